// Command proxy-check runs a smoke-test suite against a running filterproxy
// instance: plain HTTP forwarding, CONNECT tunneling, and filter enforcement.
package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/codefionn/filterproxy/filterproxy-srv/logger"
)

// CheckResult represents the outcome of a single check.
type CheckResult struct {
	Name     string        `json:"name"`
	URL      string        `json:"url"`
	Success  bool          `json:"success"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
	Status   int           `json:"status"`
}

// CheckSuite manages a collection of checks against a proxy server.
type CheckSuite struct {
	ProxyURL string
	Client   *http.Client
	Results  []CheckResult
}

func main() {
	proxyAddr := flag.String("proxy", "127.0.0.1:8080", "Proxy address (host:port)")
	blockedHost := flag.String("blocked-host", "", "Host expected to be blocked by the proxy (optional)")
	verbose := flag.Bool("verbose", false, "Enable verbose logging")
	timeout := flag.Int("timeout", 30, "Request timeout in seconds")
	flag.Parse()

	logger.SetLevel(logger.INFO)
	if *verbose {
		logger.SetLevel(logger.DEBUG)
	}

	proxyURL, err := url.Parse("http://" + *proxyAddr)
	if err != nil {
		logger.Fatal("Invalid proxy address: %v", err)
	}

	suite := &CheckSuite{
		ProxyURL: proxyURL.String(),
		Client: &http.Client{
			Timeout: time.Duration(*timeout) * time.Second,
			Transport: &http.Transport{
				Proxy: http.ProxyURL(proxyURL),
			},
		},
	}

	logger.Info("Starting proxy checks with proxy: %s", suite.ProxyURL)

	logger.Info("Running forwarding checks...")
	suite.runForwardingChecks()

	logger.Info("Running filter checks...")
	suite.runFilterChecks(*blockedHost)

	suite.printResults()
}

func (cs *CheckSuite) runForwardingChecks() {
	checks := []struct {
		name  string
		url   string
		check func(string) CheckResult
	}{
		{"http-get", "http://httpbin.org/ip", cs.checkBasicGet},
		{"http-headers", "http://httpbin.org/headers", cs.checkBasicGet},
		{"http-post", "http://httpbin.org/post", cs.checkPost},
		{"http-status-404", "http://httpbin.org/status/404", cs.checkStatus404},
		{"connect-tunnel", "https://httpbin.org/ip", cs.checkBasicGet},
	}

	for _, c := range checks {
		logger.Debug("Running check: %s", c.name)
		result := c.check(c.url)
		result.Name = c.name
		result.URL = c.url
		cs.Results = append(cs.Results, result)
	}
}

func (cs *CheckSuite) runFilterChecks(blockedHost string) {
	checks := []struct {
		name string
		url  string
	}{
		{"keyword-malware", "http://httpbin.org/anything/malware"},
		{"keyword-phishing", "http://httpbin.org/anything/phishing-kit"},
	}
	if blockedHost != "" {
		checks = append(checks, struct {
			name string
			url  string
		}{"blocked-domain", "http://" + blockedHost + "/"})
	}

	for _, c := range checks {
		logger.Debug("Running filter check: %s", c.name)
		result := cs.checkBlocked(c.url)
		result.Name = c.name
		result.URL = c.url
		cs.Results = append(cs.Results, result)
	}
}

func (cs *CheckSuite) checkBasicGet(checkURL string) CheckResult {
	start := time.Now()

	req, err := http.NewRequest("GET", checkURL, nil)
	if err != nil {
		return CheckResult{
			Success:  false,
			Duration: time.Since(start),
			Error:    fmt.Sprintf("Failed to create request: %v", err),
		}
	}

	req.Header.Set("User-Agent", "filterproxy-check/1.0")

	resp, err := cs.Client.Do(req)
	duration := time.Since(start)

	if err != nil {
		return CheckResult{
			Success:  false,
			Duration: duration,
			Error:    fmt.Sprintf("Request failed: %v", err),
		}
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			logger.Error("Error closing response body: %v", closeErr)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return CheckResult{
			Success:  false,
			Duration: duration,
			Status:   resp.StatusCode,
			Error:    fmt.Sprintf("Failed to read response: %v", err),
		}
	}

	logger.Debug("Response for %s: %d bytes, status %d", checkURL, len(body), resp.StatusCode)

	return CheckResult{
		Success:  resp.StatusCode == 200,
		Duration: duration,
		Status:   resp.StatusCode,
	}
}

func (cs *CheckSuite) checkPost(checkURL string) CheckResult {
	start := time.Now()

	postData := strings.NewReader("check=data&proxy=filterproxy")
	req, err := http.NewRequest("POST", checkURL, postData)
	if err != nil {
		return CheckResult{
			Success:  false,
			Duration: time.Since(start),
			Error:    fmt.Sprintf("Failed to create request: %v", err),
		}
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", "filterproxy-check/1.0")

	resp, err := cs.Client.Do(req)
	duration := time.Since(start)

	if err != nil {
		return CheckResult{
			Success:  false,
			Duration: duration,
			Error:    fmt.Sprintf("Request failed: %v", err),
		}
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			logger.Error("Error closing response body: %v", closeErr)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return CheckResult{
			Success:  false,
			Duration: duration,
			Status:   resp.StatusCode,
			Error:    fmt.Sprintf("Failed to read response: %v", err),
		}
	}

	// Check if the POST data was echoed back
	success := resp.StatusCode == 200 && strings.Contains(string(body), "check")

	return CheckResult{
		Success:  success,
		Duration: duration,
		Status:   resp.StatusCode,
	}
}

func (cs *CheckSuite) checkStatus404(checkURL string) CheckResult {
	start := time.Now()

	resp, err := cs.Client.Get(checkURL)
	duration := time.Since(start)

	if err != nil {
		return CheckResult{
			Success:  false,
			Duration: duration,
			Error:    fmt.Sprintf("Status check failed: %v", err),
		}
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			logger.Error("Error closing response body: %v", closeErr)
		}
	}()

	// Upstream status codes must pass through untouched
	success := resp.StatusCode == 404

	return CheckResult{
		Success:  success,
		Duration: duration,
		Status:   resp.StatusCode,
	}
}

// checkBlocked expects the proxy itself to answer 403 without contacting upstream.
func (cs *CheckSuite) checkBlocked(checkURL string) CheckResult {
	start := time.Now()

	resp, err := cs.Client.Get(checkURL)
	duration := time.Since(start)

	if err != nil {
		return CheckResult{
			Success:  false,
			Duration: duration,
			Error:    fmt.Sprintf("Filter check failed: %v", err),
		}
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			logger.Error("Error closing response body: %v", closeErr)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return CheckResult{
			Success:  false,
			Duration: duration,
			Status:   resp.StatusCode,
			Error:    fmt.Sprintf("Failed to read response: %v", err),
		}
	}

	success := resp.StatusCode == 403 && strings.Contains(string(body), "blocked by proxy policy")

	logger.Debug("Filter response for %s: %d bytes, status %d", checkURL, len(body), resp.StatusCode)

	return CheckResult{
		Success:  success,
		Duration: duration,
		Status:   resp.StatusCode,
	}
}

func (cs *CheckSuite) printResults() {
	fmt.Printf("\n=== Proxy Check Results ===\n")
	fmt.Printf("Proxy: %s\n\n", cs.ProxyURL)

	passed := 0
	failed := 0

	for _, result := range cs.Results {
		status := "✓ PASS"
		if !result.Success {
			status = "✗ FAIL"
			failed++
		} else {
			passed++
		}

		fmt.Printf("%-20s %s (%d) %v\n",
			result.Name,
			status,
			result.Status,
			result.Duration.Round(time.Millisecond))

		if result.Error != "" {
			fmt.Printf("                     Error: %s\n", result.Error)
		}
	}

	fmt.Printf("\n=== Summary ===\n")
	fmt.Printf("Total checks: %d\n", len(cs.Results))
	fmt.Printf("Passed: %d\n", passed)
	fmt.Printf("Failed: %d\n", failed)

	if failed > 0 {
		fmt.Printf("\nSome checks failed. Check proxy configuration and connectivity.\n")
		os.Exit(1)
	} else {
		fmt.Printf("\nAll checks passed! Proxy is working correctly.\n")
	}
}
