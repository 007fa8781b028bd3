package export

import (
	"bytes"
	"encoding/csv"
	"strconv"

	"github.com/parquet-go/parquet-go"

	"github.com/plotpalette/plotpalette/internal/domain"
)

// jsonlEncoder writes one JSON object per line.
type jsonlEncoder struct{}

func (jsonlEncoder) Ext() string { return "jsonl" }

func (jsonlEncoder) Encode(records []domain.Record) ([]byte, error) {
	return marshalLines(records)
}

// csvEncoder writes a header row of "index" plus the sorted union of
// field keys, then one row per record. Absent fields render as empty
// cells.
type csvEncoder struct{}

func (csvEncoder) Ext() string { return "csv" }

func (csvEncoder) Encode(records []domain.Record) ([]byte, error) {
	cols := fieldColumns(records)

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := append([]string{"index"}, cols...)
	if err := w.Write(header); err != nil {
		return nil, err
	}
	for _, r := range records {
		row := make([]string, 0, len(header))
		row = append(row, strconv.FormatInt(r.Index, 10))
		for _, col := range cols {
			row = append(row, r.Fields[col])
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

// parquetRow is the columnar layout of an exported record.
type parquetRow struct {
	Index  int64             `parquet:"index"`
	Fields map[string]string `parquet:"fields"`
}

type parquetEncoder struct{}

func (parquetEncoder) Ext() string { return "parquet" }

func (parquetEncoder) Encode(records []domain.Record) ([]byte, error) {
	rows := make([]parquetRow, len(records))
	for i, r := range records {
		rows[i] = parquetRow{Index: r.Index, Fields: r.Fields}
	}

	var buf bytes.Buffer
	w := parquet.NewGenericWriter[parquetRow](&buf)
	for off := 0; off < len(rows); {
		n, err := w.Write(rows[off:])
		if err != nil {
			return nil, err
		}
		off += n
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
