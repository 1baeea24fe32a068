// Package filter decides whether proxied requests are allowed to reach
// their upstream host. Decisions are made from the request line alone,
// before any upstream connection is attempted.
package filter

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	ahocorasick "github.com/BobuSumisu/aho-corasick"

	"github.com/codefionn/filterproxy/filterproxy-srv/logger"
)

// blockedKeywords are matched as substrings of the full request URL.
var blockedKeywords = []string{"adult", "malware", "phishing"}

// Decision is the outcome of evaluating one request against the engine.
type Decision struct {
	Blocked bool
	Rule    string // The domain or keyword that matched; empty when allowed
}

// Engine holds the compiled blocklist. It is immutable after construction
// and safe for concurrent use.
type Engine struct {
	trie       *ahocorasick.Trie
	domainList []string // Patterns in trie order, for match resolution
	keywords   []string
}

// NewEngine loads the blocked domains file and compiles an Aho-Corasick
// trie for efficient matching. A missing file yields an engine with an
// empty domain list; keyword filtering still applies.
func NewEngine(blocklistPath string) (*Engine, error) {
	engine := &Engine{keywords: blockedKeywords}

	domains, err := loadDomains(blocklistPath)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Warn("Blocklist file not found, continuing with empty domain list (file: %s)", blocklistPath)
			return engine, nil
		}
		return nil, err
	}

	engine.domainList = domains
	if len(domains) > 0 {
		engine.trie = ahocorasick.NewTrieBuilder().AddStrings(domains).Build()
	}
	logger.Info("Loaded %d blocked domains from %s", len(domains), blocklistPath)

	return engine, nil
}

// loadDomains reads a newline-delimited domain list. Blank lines and lines
// starting with '#' are skipped; entries are lowercased.
func loadDomains(path string) ([]string, error) {
	cleanPath := filepath.Clean(path)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return nil, fmt.Errorf("invalid blocklist path: %w", err)
		}
		cleanPath = absPath
	}

	file, err := os.Open(cleanPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to open blocklist file: %w", err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			logger.Error("Error closing blocklist file: %v", closeErr)
		}
	}()

	var domains []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		domains = append(domains, strings.ToLower(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading blocklist file: %w", err)
	}

	return domains, nil
}

// DomainCount returns the number of loaded blocked domains.
func (e *Engine) DomainCount() int {
	return len(e.domainList)
}

// Evaluate checks the target host against the domain blocklist and the full
// request URL against the keyword list. Host comparison is case-insensitive
// and matches subdomains on label boundaries: "ads.example.com" matches a
// blocked "example.com", "notexample.com" does not.
func (e *Engine) Evaluate(host, url string) Decision {
	host = strings.ToLower(host)

	if e.trie != nil {
		matches := e.trie.MatchString(host)
		for _, match := range matches {
			domain := e.domainList[match.Pattern()]

			hasSuffix := strings.HasSuffix(host, domain)
			if hasSuffix && len(host) == len(domain) {
				return Decision{Blocked: true, Rule: domain}
			}

			// Valid subdomain match: host ends with ".domain"
			if hasSuffix && len(host) > len(domain) && host[len(host)-len(domain)-1] == '.' {
				return Decision{Blocked: true, Rule: domain}
			}
		}
	}

	urlLower := strings.ToLower(url)
	for _, keyword := range e.keywords {
		if strings.Contains(urlLower, keyword) {
			return Decision{Blocked: true, Rule: keyword}
		}
	}

	return Decision{}
}
