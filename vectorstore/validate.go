package vectorstore

import (
	"encoding/json"
	"log"
	"math"
	"unicode/utf8"
)

// MaxFieldLength bounds the text and metadata stored with each chunk.
// Longer values are truncated, not rejected.
const MaxFieldLength = 65000

const (
	RelaxationFloor = 0.4
	RelaxationStep  = 0.2
)

// validateRecords returns the records that can be written. Records missing
// required fields, with the wrong dimension, or with NaN components are
// dropped and logged.
func validateRecords(records []ChunkRecord, dimension int) []ChunkRecord {
	valid := make([]ChunkRecord, 0, len(records))
	for i, record := range records {
		if record.ID == "" || record.DocumentID == "" || record.ChunkID == "" || record.Text == "" || len(record.Embedding) == 0 {
			log.Printf("vectorstore: record %d is missing required fields", i)
			continue
		}
		if dimension > 0 && len(record.Embedding) != dimension {
			log.Printf("vectorstore: record %d has dimension %d, expected %d", i, len(record.Embedding), dimension)
			continue
		}
		if hasNaN(record.Embedding) {
			log.Printf("vectorstore: record %d embedding contains NaN", i)
			continue
		}

		if len(record.Text) > MaxFieldLength {
			log.Printf("vectorstore: record %d text exceeds %d bytes, truncating", i, MaxFieldLength)
			record.Text = truncate(record.Text, MaxFieldLength)
		}
		if record.Metadata == "" {
			raw, _ := json.Marshal(map[string]string{
				"document_id": record.DocumentID,
				"chunk_id":    record.ChunkID,
			})
			record.Metadata = string(raw)
		}
		if len(record.Metadata) > MaxFieldLength {
			log.Printf("vectorstore: record %d metadata exceeds %d bytes, truncating", i, MaxFieldLength)
			record.Metadata = truncate(record.Metadata, MaxFieldLength)
		}
		valid = append(valid, record)
	}
	log.Printf("vectorstore: validated %d/%d records", len(valid), len(records))
	return valid
}

func hasNaN(vector []float32) bool {
	for _, v := range vector {
		if math.IsNaN(float64(v)) {
			return true
		}
	}
	return false
}

// truncate cuts s to at most limit bytes without splitting a rune.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// cutoffSchedule lists the cutoffs a search tries in order. The first entry
// is the requested cutoff; each later one is a step lower, and the schedule
// stops once a cutoff at or below the floor has been added.
func cutoffSchedule(start float64) []float64 {
	schedule := []float64{start}
	for cutoff := start; cutoff > RelaxationFloor; {
		cutoff = math.Round((cutoff-RelaxationStep)*100) / 100
		schedule = append(schedule, cutoff)
	}
	return schedule
}

func filterByCutoff(results []ScoredChunk, cutoff float64) []ScoredChunk {
	kept := results[:0]
	for _, r := range results {
		if r.Score >= cutoff {
			kept = append(kept, r)
		}
	}
	return kept
}
