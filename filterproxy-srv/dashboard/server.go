package dashboard

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/codefionn/filterproxy/filterproxy-srv/config"
	"github.com/codefionn/filterproxy/filterproxy-srv/logger"
)

const (
	// SessionCookieName is the name of the authentication session cookie
	SessionCookieName = "filterproxy_dashboard_session"
	// SessionTimeout is the duration for which sessions are valid
	SessionTimeout = 24 * time.Hour
	// pushInterval is the cadence of websocket summary pushes
	pushInterval = 2 * time.Second
)

// Server provides the metrics dashboard: an HTML page, a JSON stats
// endpoint and a websocket feed pushing fresh aggregates.
type Server struct {
	cfg         config.DashboardConfig
	metricsPath string
	proxyAddr   string
	jwtSecret   []byte
	upgrader    websocket.Upgrader
	tmpl        *template.Template
	server      *http.Server
}

// NewServer creates a dashboard server reading aggregates from the
// metrics CSV at metricsPath. proxyAddr is probed for the activity
// indicator.
func NewServer(cfg config.DashboardConfig, metricsPath, proxyAddr string) *Server {
	// Generate a random JWT secret on the fly
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		// Fallback to a deterministic secret if random generation fails
		secret = fmt.Appendf(nil, "filterproxy-dashboard-%d", time.Now().Unix())
	}

	return &Server{
		cfg:         cfg,
		metricsPath: metricsPath,
		proxyAddr:   proxyAddr,
		jwtSecret:   secret,
		upgrader:    websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
		tmpl:        template.Must(template.New("dashboard").Parse(dashboardPage)),
	}
}

// Handler returns the dashboard's HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.requireAuth(s.servePage))
	mux.HandleFunc("/api/stats", s.requireAuth(s.serveStats))
	mux.HandleFunc("/ws", s.requireAuth(s.serveWebsocket))
	mux.HandleFunc("/login", s.serveLogin)
	mux.HandleFunc("/logout", s.serveLogout)
	return mux
}

// Start serves the dashboard until Stop is called. It blocks.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.ListenAddress,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // websocket connections stay open
	}
	logger.Info("Dashboard listening on %s", s.cfg.ListenAddress)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts the dashboard server down.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// summary loads and aggregates the current metrics file.
func (s *Server) summary() Summary {
	rows, err := LoadRows(s.metricsPath)
	if err != nil {
		logger.Error("Failed to load metrics for dashboard: %v", err)
	}
	sum := ComputeSummary(rows)
	sum.ProxyActive = probeProxy(s.proxyAddr)
	return sum
}

func (s *Server) servePage(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.tmpl.Execute(w, s.summary()); err != nil {
		logger.Error("Failed to render dashboard page: %v", err)
	}
}

func (s *Server) serveStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.summary()); err != nil {
		logger.Error("Failed to encode dashboard stats: %v", err)
	}
}

// serveWebsocket pushes a fresh summary on connect and then every push
// interval until the client goes away.
func (s *Server) serveWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug("Websocket upgrade failed for %s: %v", r.RemoteAddr, err)
		return
	}
	defer func() {
		_ = conn.Close()
	}()

	// Consume control frames so close is noticed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pushInterval)
	defer ticker.Stop()

	for {
		if err := conn.WriteJSON(s.summary()); err != nil {
			logger.Debug("Websocket push to %s ended: %v", r.RemoteAddr, err)
			return
		}
		select {
		case <-done:
			return
		case <-ticker.C:
		}
	}
}

// requiresAuthentication checks if a dashboard password is configured
func (s *Server) requiresAuthentication() bool {
	return s.cfg.Password != ""
}

// requireAuth redirects unauthenticated requests to the login page.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.requiresAuthentication() && !s.isAuthenticated(r) {
			http.Redirect(w, r, "/login", http.StatusSeeOther)
			return
		}
		next(w, r)
	}
}

// isAuthenticated checks if the request has a valid session
func (s *Server) isAuthenticated(r *http.Request) bool {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil {
		if err != http.ErrNoCookie {
			logger.Debug("Cookie error: %v", err)
		}
		return false
	}

	token, err := jwt.Parse(cookie.Value, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			logger.Warn("Unexpected JWT signing method: %v", token.Header["alg"])
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		logger.Debug("JWT token validation failed: %v", err)
		return false
	}
	return token.Valid
}

// createSession creates a new JWT token for the session
func (s *Server) createSession() (string, error) {
	claims := jwt.MapClaims{
		"exp": time.Now().Add(SessionTimeout).Unix(),
		"iat": time.Now().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, nil
}

func (s *Server) serveLogin(w http.ResponseWriter, r *http.Request) {
	if !s.requiresAuthentication() || s.isAuthenticated(r) {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	if r.Method == http.MethodPost {
		password := r.FormValue("password")

		// Constant-time comparison to prevent timing attacks
		if subtle.ConstantTimeCompare([]byte(password), []byte(s.cfg.Password)) == 1 {
			token, err := s.createSession()
			if err != nil {
				logger.Error("Failed to create session token: %v", err)
				http.Error(w, "Failed to create session", http.StatusInternalServerError)
				return
			}
			http.SetCookie(w, &http.Cookie{
				Name:     SessionCookieName,
				Value:    token,
				Path:     "/",
				Expires:  time.Now().Add(SessionTimeout),
				HttpOnly: true,
				SameSite: http.SameSiteLaxMode,
			})
			http.Redirect(w, r, "/", http.StatusSeeOther)
			return
		}

		logger.Warn("Failed dashboard login attempt from %s", r.RemoteAddr)
		w.WriteHeader(http.StatusUnauthorized)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, loginPage)
}

func (s *Server) serveLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
	})
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}
