package report

import (
	"encoding/csv"
	"io"
	"strconv"
)

// WriteSummaryCSV serializes summary rows with RFC-4180 quoting (fields
// containing commas, quotes or newlines are quoted, embedded quotes
// doubled). Rows are written in the order produced by ComputeDeltaReport,
// so the CSV export and the JSON summary always agree.
func WriteSummaryCSV(w io.Writer, rows []SummaryRow, tz Timezone) error {
	cw := csv.NewWriter(w)

	if err := cw.Write([]string{"bucket", "assignedTo", "assignedToUPN", "accountCode", "hours"}); err != nil {
		return err
	}
	for _, row := range rows {
		account := ""
		if row.AccountCode != 0 {
			account = strconv.FormatInt(row.AccountCode, 10)
		}
		record := []string{
			tz.FormatBucket(row.Bucket),
			row.AssignedTo,
			row.AssignedToUPN,
			account,
			row.Hours.String(),
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}
