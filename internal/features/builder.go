// Package features converts filtered record batches into numeric feature
// matrices for anomaly scoring.
package features

import (
	"math"
	"sort"
	"strings"

	"github.com/opensource-sec/kestrel/internal/domain"
)

// Vector is the per-record feature row. Numeric encodings come first,
// followed by the capped bag-of-terms block.
type Vector struct {
	RecordID string
	Values   []float64
}

// Builder extracts deterministic features: identical records and
// configuration always produce identical matrices. Missing text yields zero
// features rather than an error.
type Builder struct {
	cfg      domain.FeatureConfig
	keywords []*domain.AttachmentKeyword
}

// NewBuilder creates a feature builder. The keyword table supplements the
// extension-based attachment risk scoring and may be nil.
func NewBuilder(cfg domain.FeatureConfig, keywords []*domain.AttachmentKeyword) *Builder {
	if cfg.VocabularyCap <= 0 {
		cfg.VocabularyCap = 256
	}
	return &Builder{cfg: cfg, keywords: keywords}
}

// Build converts a record batch into feature vectors. trustScores maps
// recipient domain to its 0-100 trust score; absent domains contribute the
// neutral midpoint.
func (b *Builder) Build(records []*domain.EmailRecord, trustScores map[string]float64) []Vector {
	vocab := b.buildVocabulary(records)

	vectors := make([]Vector, len(records))
	for i, record := range records {
		vectors[i] = Vector{
			RecordID: record.ID,
			Values:   b.vector(record, trustScores, vocab),
		}
	}
	return vectors
}

// AttachmentRisk scores attachment names on [0,1] from the extension and
// keyword tables. Empty input scores zero.
func (b *Builder) AttachmentRisk(attachments []string) float64 {
	if len(attachments) == 0 {
		return 0
	}
	joined := strings.ToLower(strings.Join(attachments, " "))

	risk := 0.0
	for _, ext := range b.cfg.HighRiskExtensions {
		if strings.Contains(joined, strings.ToLower(ext)) {
			risk += b.cfg.HighRiskScore
		}
	}
	for _, ext := range b.cfg.MediumRiskExtensions {
		if strings.Contains(joined, strings.ToLower(ext)) {
			risk += b.cfg.MediumRiskScore
		}
	}
	for _, pattern := range b.cfg.SuspiciousPatterns {
		if strings.Contains(joined, strings.ToLower(pattern)) {
			risk += b.cfg.PatternScore
		}
	}
	for _, kw := range b.keywords {
		if !kw.Enabled || kw.Keyword == "" {
			continue
		}
		if strings.Contains(joined, strings.ToLower(kw.Keyword)) {
			risk += kw.Risk
		}
	}
	return math.Min(risk, 1)
}

func (b *Builder) vector(record *domain.EmailRecord, trustScores map[string]float64, vocab []string) []float64 {
	hour := float64(record.Timestamp.Hour())
	weekday := float64(record.Timestamp.Weekday())

	trust := 50.0
	if t, ok := trustScores[strings.ToLower(record.RecipientDomain)]; ok {
		trust = t
	}

	leaver := 0.0
	if record.Leaver {
		leaver = 1
	}
	keyword := 0.0
	if record.HasKeywordMatch() {
		keyword = 1
	}
	hasAttachments := 0.0
	if len(record.Attachments) > 0 {
		hasAttachments = 1
	}
	hasJustification := 0.0
	if strings.TrimSpace(record.Justification) != "" {
		hasJustification = 1
	}

	// Cyclical encodings keep midnight adjacent to 23:00 and Sunday
	// adjacent to Saturday.
	values := []float64{
		math.Sin(2 * math.Pi * hour / 24),
		math.Cos(2 * math.Pi * hour / 24),
		math.Sin(2 * math.Pi * weekday / 7),
		math.Cos(2 * math.Pi * weekday / 7),
		leaver,
		b.AttachmentRisk(record.Attachments),
		trust / 100,
		keyword,
		hasAttachments,
		float64(len(record.Subject)),
		float64(len(record.Justification)),
		hasJustification,
	}

	terms := termCounts(recordText(record))
	total := 0.0
	for _, n := range terms {
		total += float64(n)
	}
	for _, term := range vocab {
		if total == 0 {
			values = append(values, 0)
			continue
		}
		values = append(values, float64(terms[term])/total)
	}
	return values
}

// buildVocabulary selects the top terms across subject lines and attachment
// names by document frequency, capped at the configured size. Ties break
// lexically so the matrix layout is stable across runs.
func (b *Builder) buildVocabulary(records []*domain.EmailRecord) []string {
	docFreq := make(map[string]int)
	for _, record := range records {
		seen := make(map[string]bool)
		for term := range termCounts(recordText(record)) {
			if !seen[term] {
				docFreq[term]++
				seen[term] = true
			}
		}
	}

	terms := make([]string, 0, len(docFreq))
	for term := range docFreq {
		terms = append(terms, term)
	}
	sort.Slice(terms, func(i, j int) bool {
		if docFreq[terms[i]] != docFreq[terms[j]] {
			return docFreq[terms[i]] > docFreq[terms[j]]
		}
		return terms[i] < terms[j]
	})

	if len(terms) > b.cfg.VocabularyCap {
		terms = terms[:b.cfg.VocabularyCap]
	}
	// Stable column order within the chosen vocabulary.
	sort.Strings(terms)
	return terms
}

func recordText(record *domain.EmailRecord) string {
	return record.Subject + " " + strings.Join(record.Attachments, " ")
}

// termCounts tokenizes on non-alphanumeric boundaries, lowercases, and
// drops single-character tokens.
func termCounts(text string) map[string]int {
	counts := make(map[string]int)
	var sb strings.Builder
	flush := func() {
		if sb.Len() > 1 {
			counts[strings.ToLower(sb.String())]++
		}
		sb.Reset()
	}
	for _, r := range text {
		if ('a' <= r && r <= 'z') || ('A' <= r && r <= 'Z') || ('0' <= r && r <= '9') {
			sb.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return counts
}
