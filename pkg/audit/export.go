package audit

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"time"
)

var csvHeader = []string{
	"ID",
	"Timestamp",
	"User Name",
	"User Email",
	"User Role",
	"Table",
	"Operation",
	"Record ID",
	"IP Address",
	"User Agent",
	"Old Values",
	"New Values",
}

// exportJSON renders records as a pretty-printed array
func exportJSON(records []*Record) ([]byte, error) {
	if records == nil {
		records = []*Record{}
	}
	return json.MarshalIndent(records, "", "  ")
}

// exportNDJSON renders one record per line
func exportNDJSON(records []*Record) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)

	for _, r := range records {
		if err := encoder.Encode(r); err != nil {
			return nil, fmt.Errorf("failed to encode record %s: %w", r.ID, err)
		}
	}

	return buf.Bytes(), nil
}

// exportCSV renders records with a header row. Snapshots are written as
// their JSON text.
func exportCSV(records []*Record) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	if err := writer.Write(csvHeader); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, r := range records {
		oldJSON, err := valuesText(r.OldValues)
		if err != nil {
			return nil, err
		}
		newJSON, err := valuesText(r.NewValues)
		if err != nil {
			return nil, err
		}

		row := []string{
			r.ID,
			r.CreatedAt.UTC().Format(time.RFC3339),
			r.UserName,
			r.UserEmail,
			r.UserRole,
			r.TableName,
			string(r.Operation),
			r.RecordID,
			r.IPAddress,
			r.UserAgent,
			oldJSON,
			newJSON,
		}
		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("CSV writer error: %w", err)
	}

	return buf.Bytes(), nil
}

func valuesText(v Values) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode values: %w", err)
	}
	return string(b), nil
}
