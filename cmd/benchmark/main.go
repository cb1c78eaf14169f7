// Benchmark tool for replaying an email-export CSV through Kestrel.
//
// Usage:
//   go run cmd/benchmark/main.go -csv /path/to/export.csv -url http://localhost:8080
//
// This tool:
//   1. Reads an email security export (one outbound send per row)
//   2. Ingests the records into a fresh Kestrel session
//   3. Runs the assessment pipeline
//   4. Reports the risk level distribution, case volume, and throughput
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// ExportRecord represents a row from an email export CSV.
type ExportRecord struct {
	Timestamp          time.Time `json:"timestamp"`
	Sender             string    `json:"sender"`
	Subject            string    `json:"subject"`
	Attachments        []string  `json:"attachments,omitempty"`
	Recipients         string    `json:"recipients"`
	RecipientDomain    string    `json:"recipientDomain,omitempty"`
	Leaver             bool      `json:"leaver"`
	TerminationDate    string    `json:"terminationDate,omitempty"`
	WordlistAttachment string    `json:"wordlistAttachment,omitempty"`
	WordlistSubject    string    `json:"wordlistSubject,omitempty"`
	BusinessUnit       string    `json:"bunit,omitempty"`
	Department         string    `json:"department,omitempty"`
	Justification      string    `json:"justification,omitempty"`
}

// Session mirrors the API session response.
type Session struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Stats  *struct {
		ExcludedCount    int            `json:"excludedCount"`
		WhitelistedCount int            `json:"whitelistedCount"`
		AnalyzedCount    int            `json:"analyzedCount"`
		SecurityMatches  int            `json:"securityMatches"`
		CasesCreated     int            `json:"casesCreated"`
		AnomalyRate      float64        `json:"anomalyRate"`
		AverageRisk      float64        `json:"averageRisk"`
		ModelUsed        bool           `json:"modelUsed"`
		Distribution     map[string]int `json:"distribution"`
		DurationMs       int64          `json:"durationMs"`
	} `json:"stats"`
}

func main() {
	csvPath := flag.String("csv", "", "Path to email export CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	tenantID := flag.String("tenant", "benchmark-test", "Tenant ID for requests")
	limit := flag.Int("limit", 10000, "Maximum records to process (0 = all)")
	batchSize := flag.Int("batch", 500, "Records per ingest request")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/export.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║          KESTREL BENCHMARK - Email Export Replay              ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("Kestrel URL: %s\n", *baseURL)
	fmt.Printf("Tenant ID:   %s\n", *tenantID)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Printf("Batch Size:  %d\n", *batchSize)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  go run cmd/kestrel/main.go")
		os.Exit(1)
	}
	fmt.Println("✓ Kestrel is healthy")

	fmt.Printf("\nReading export from %s...\n", *csvPath)
	records, err := readExportCSV(*csvPath, *limit)
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Loaded %d records\n", len(records))

	leaverCount := 0
	for _, r := range records {
		if r.Leaver {
			leaverCount++
		}
	}
	fmt.Printf("  - Leaver sends: %d (%.2f%%)\n", leaverCount, 100*float64(leaverCount)/float64(len(records)))

	client := &http.Client{Timeout: 5 * time.Minute}

	sessionID, err := createSession(client, *baseURL, *tenantID)
	if err != nil {
		fmt.Printf("ERROR: Failed to create session: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Session created: %s\n", sessionID)

	fmt.Printf("\nIngesting %d records in batches of %d...\n", len(records), *batchSize)
	ingestStart := time.Now()
	for i := 0; i < len(records); i += *batchSize {
		end := i + *batchSize
		if end > len(records) {
			end = len(records)
		}
		if err := ingestBatch(client, *baseURL, *tenantID, sessionID, records[i:end]); err != nil {
			fmt.Printf("ERROR: Ingest failed at batch %d: %v\n", i / *batchSize, err)
			os.Exit(1)
		}
	}
	ingestDuration := time.Since(ingestStart)
	fmt.Printf("✓ Ingested in %v (%.0f records/sec)\n",
		ingestDuration.Round(time.Millisecond),
		float64(len(records))/ingestDuration.Seconds(),
	)

	fmt.Println("\nRunning assessment pipeline...")
	runStart := time.Now()
	session, err := runSession(client, *baseURL, *tenantID, sessionID)
	runDuration := time.Since(runStart)
	if err != nil {
		fmt.Printf("ERROR: Pipeline run failed: %v\n", err)
		os.Exit(1)
	}

	printResults(session, len(records), ingestDuration, runDuration)
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func readExportCSV(path string, limit int) ([]ExportRecord, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}

	field := func(row []string, name string) string {
		idx, ok := colIndex[name]
		if !ok || idx >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[idx])
	}

	var records []ExportRecord
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		rec := ExportRecord{
			Sender:             field(row, "sender"),
			Subject:            field(row, "subject"),
			Recipients:         field(row, "recipients"),
			RecipientDomain:    field(row, "recipients_email_domain"),
			Leaver:             parseBool(field(row, "leaver")),
			TerminationDate:    field(row, "termination_date"),
			WordlistAttachment: field(row, "wordlist_attachment"),
			WordlistSubject:    field(row, "wordlist_subject"),
			BusinessUnit:       field(row, "bunit"),
			Department:         field(row, "department"),
			Justification:      field(row, "justifications"),
		}

		if attachments := field(row, "attachments"); attachments != "" {
			for _, a := range strings.Split(attachments, ";") {
				if a = strings.TrimSpace(a); a != "" {
					rec.Attachments = append(rec.Attachments, a)
				}
			}
		}

		rec.Timestamp = parseTime(field(row, "_time"))
		if rec.Sender == "" || rec.Recipients == "" {
			continue
		}

		records = append(records, rec)
		if limit > 0 && len(records) >= limit {
			break
		}
	}

	return records, nil
}

func parseBool(s string) bool {
	switch strings.ToLower(s) {
	case "true", "yes", "1", "t", "y":
		return true
	}
	return false
}

func parseTime(s string) time.Time {
	for _, layout := range []string{
		time.RFC3339,
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
		"01/02/2006 15:04",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func createSession(client *http.Client, baseURL, tenantID string) (string, error) {
	name := fmt.Sprintf("benchmark-%d", time.Now().Unix())
	body, _ := json.Marshal(map[string]string{"name": name})

	resp, err := post(client, baseURL+"/sessions", tenantID, body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}

	var session Session
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return "", err
	}
	return session.ID, nil
}

func ingestBatch(client *http.Client, baseURL, tenantID, sessionID string, batch []ExportRecord) error {
	body, err := json.Marshal(map[string]interface{}{"records": batch})
	if err != nil {
		return err
	}

	resp, err := post(client, baseURL+"/sessions/"+sessionID+"/records", tenantID, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func runSession(client *http.Client, baseURL, tenantID, sessionID string) (*Session, error) {
	resp, err := post(client, baseURL+"/sessions/"+sessionID+"/run", tenantID, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var session Session
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, err
	}
	return &session, nil
}

func post(client *http.Client, url, tenantID string, body []byte) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", tenantID)
	return client.Do(req)
}

func printResults(session *Session, total int, ingestDuration, runDuration time.Duration) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                      BENCHMARK RESULTS                        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\n📊 SESSION\n")
	fmt.Printf("   Session ID:  %s\n", session.ID)
	fmt.Printf("   Status:      %s\n", session.Status)
	fmt.Printf("   Records:     %d\n", total)

	if session.Stats == nil {
		fmt.Println("\n   No stats available")
		return
	}
	s := session.Stats

	fmt.Printf("\n🔍 PIPELINE BREAKDOWN\n")
	fmt.Printf("   Excluded:          %d\n", s.ExcludedCount)
	fmt.Printf("   Whitelisted:       %d\n", s.WhitelistedCount)
	fmt.Printf("   Analyzed:          %d\n", s.AnalyzedCount)
	fmt.Printf("   Security Matches:  %d\n", s.SecurityMatches)
	fmt.Printf("   Cases Created:     %d\n", s.CasesCreated)
	fmt.Printf("   Model Used:        %v\n", s.ModelUsed)

	fmt.Printf("\n📈 RISK DISTRIBUTION\n")
	for _, level := range []string{"Critical", "High", "Medium", "Low"} {
		count := s.Distribution[level]
		pct := 0.0
		if s.AnalyzedCount > 0 {
			pct = 100 * float64(count) / float64(s.AnalyzedCount)
		}
		fmt.Printf("   %-9s %6d  (%5.2f%%)\n", level, count, pct)
	}
	fmt.Printf("   Average Risk:  %.4f\n", s.AverageRisk)
	fmt.Printf("   Anomaly Rate:  %.4f\n", s.AnomalyRate)

	fmt.Printf("\n⏱️  PERFORMANCE\n")
	fmt.Printf("   Ingest Duration:    %v\n", ingestDuration.Round(time.Millisecond))
	fmt.Printf("   Pipeline Duration:  %v (reported %dms)\n", runDuration.Round(time.Millisecond), s.DurationMs)
	if runDuration.Seconds() > 0 {
		fmt.Printf("   Throughput:         %.2f records/sec\n", float64(total)/runDuration.Seconds())
	}

	fmt.Printf("\n💡 INTERPRETATION\n")
	flagged := s.Distribution["Critical"] + s.Distribution["High"]
	if s.AnalyzedCount > 0 {
		ratio := float64(flagged) / float64(s.AnalyzedCount)
		switch {
		case ratio > 0.2:
			fmt.Println("   ⚠️  Over 20% of records at High/Critical - review rule thresholds")
		case ratio > 0.05:
			fmt.Println("   ✅ Flag rate in a reviewable range")
		default:
			fmt.Println("   ✅ Low flag rate - alerts should be manageable")
		}
	}
	if !s.ModelUsed {
		fmt.Println("   ⚠️  Anomaly model skipped (insufficient data) - rule factors only")
	}

	fmt.Println()
}
