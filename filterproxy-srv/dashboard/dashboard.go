// Package dashboard serves live aggregates of the proxy's metrics file
// over HTTP, JSON and websocket.
package dashboard

import (
	"encoding/csv"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/codefionn/filterproxy/filterproxy-srv/logger"
	"github.com/codefionn/filterproxy/filterproxy-srv/metrics"
)

// topDomainLimit bounds the per-domain chart series.
const topDomainLimit = 5

// Row is one parsed metrics CSV row.
type Row struct {
	Timestamp     time.Time
	ClientIP      string
	Method        string
	URL           string
	Host          string
	LatencyMS     int64
	RequestBytes  int64
	ResponseBytes int64
	Blocked       bool
}

// Summary holds the aggregates rendered by the dashboard.
type Summary struct {
	TotalRequests   int64   `json:"total_requests"`
	BlockedRequests int64   `json:"blocked_requests"`
	AvgLatencyMS    float64 `json:"avg_latency"`
	TotalBandwidth  int64   `json:"total_bandwidth"`
	UniqueClients   int     `json:"unique_clients"`

	TopDomainsLabels []string `json:"top_domains_labels"`
	TopDomainsData   []int64  `json:"top_domains_data"`

	RequestsTimeLabels []string  `json:"requests_time_labels"`
	RequestsTimeData   []int64   `json:"requests_time_data"`
	LatencyTimeData    []float64 `json:"latency_time_data"`

	BandwidthDomainsLabels []string `json:"bw_domains_labels"`
	BandwidthDomainsData   []int64  `json:"bw_domains_data"`

	ProxyActive bool `json:"proxy_active"`
}

// LoadRows reads the metrics CSV. A missing file yields no rows; rows
// that fail to parse are skipped so a partially written file never takes
// the dashboard down.
func LoadRows(path string) ([]Row, error) {
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open metrics file: %w", err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			logger.Error("Error closing metrics file: %v", closeErr)
		}
	}()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read metrics header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[name] = i
	}

	var rows []Row
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			logger.Debug("Skipping unreadable metrics row: %v", err)
			continue
		}
		row, ok := parseRow(record, col)
		if !ok {
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func parseRow(record []string, col map[string]int) (Row, bool) {
	field := func(name string) string {
		idx, ok := col[name]
		if !ok || idx >= len(record) {
			return ""
		}
		return record[idx]
	}

	ts, err := time.ParseInLocation(metrics.TimestampLayout, field("timestamp"), time.Local)
	if err != nil {
		return Row{}, false
	}

	parseInt := func(name string) int64 {
		n, _ := strconv.ParseInt(field(name), 10, 64)
		return n
	}

	return Row{
		Timestamp:     ts,
		ClientIP:      field("client_ip"),
		Method:        field("method"),
		URL:           field("url"),
		Host:          field("host"),
		LatencyMS:     parseInt("latency_ms"),
		RequestBytes:  parseInt("request_bytes"),
		ResponseBytes: parseInt("response_bytes"),
		Blocked:       field("blocked") == "1",
	}, true
}

// ComputeSummary aggregates rows into the dashboard summary. ProxyActive
// is left for the caller to fill in.
func ComputeSummary(rows []Row) Summary {
	var s Summary

	clients := make(map[string]struct{})
	domainCounts := make(map[string]int64)
	domainBytes := make(map[string]int64)
	minuteCounts := make(map[string]int64)
	minuteLatency := make(map[string][]int64)

	var latencySum int64
	var latencyCount int64

	for _, row := range rows {
		s.TotalRequests++
		if row.Blocked {
			s.BlockedRequests++
		} else {
			latencySum += row.LatencyMS
			latencyCount++
		}
		s.TotalBandwidth += row.RequestBytes + row.ResponseBytes
		clients[row.ClientIP] = struct{}{}
		domainCounts[row.Host]++
		domainBytes[row.Host] += row.RequestBytes + row.ResponseBytes

		minute := row.Timestamp.Format("2006-01-02 15:04")
		minuteCounts[minute]++
		if !row.Blocked {
			minuteLatency[minute] = append(minuteLatency[minute], row.LatencyMS)
		}
	}

	s.UniqueClients = len(clients)
	if latencyCount > 0 {
		s.AvgLatencyMS = float64(latencySum) / float64(latencyCount)
	}

	s.TopDomainsLabels, s.TopDomainsData = topN(domainCounts, topDomainLimit)
	s.BandwidthDomainsLabels, s.BandwidthDomainsData = topN(domainBytes, topDomainLimit)

	minutes := make([]string, 0, len(minuteCounts))
	for m := range minuteCounts {
		minutes = append(minutes, m)
	}
	sort.Strings(minutes)
	for _, m := range minutes {
		s.RequestsTimeLabels = append(s.RequestsTimeLabels, m)
		s.RequestsTimeData = append(s.RequestsTimeData, minuteCounts[m])

		var avg float64
		if lat := minuteLatency[m]; len(lat) > 0 {
			var sum int64
			for _, v := range lat {
				sum += v
			}
			avg = float64(sum) / float64(len(lat))
		}
		s.LatencyTimeData = append(s.LatencyTimeData, avg)
	}

	return s
}

// topN returns the n largest entries, largest first, ties broken by name
// for stable output.
func topN(counts map[string]int64, n int) ([]string, []int64) {
	type entry struct {
		name  string
		count int64
	}
	entries := make([]entry, 0, len(counts))
	for name, count := range counts {
		entries = append(entries, entry{name, count})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].count != entries[j].count {
			return entries[i].count > entries[j].count
		}
		return entries[i].name < entries[j].name
	})
	if len(entries) > n {
		entries = entries[:n]
	}

	labels := make([]string, len(entries))
	data := make([]int64, len(entries))
	for i, e := range entries {
		labels[i] = e.name
		data[i] = e.count
	}
	return labels, data
}

// probeProxy reports whether something accepts TCP connections at addr.
func probeProxy(addr string) bool {
	if addr == "" {
		return false
	}
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
