package joinlog

import (
	"io"
	"strconv"

	"github.com/360EntSecGroup-Skylar/excelize"
	"github.com/pkg/errors"
)

const exportSheet = "Sheet1"

// ExportXLSX writes the matching records as a spreadsheet with the same columns as the
// tabular mirror.
func (l *Log) ExportXLSX(w io.Writer, filter Filter) (rows int, err error) {
	it := l.Query(filter)
	defer it.Close()

	xlsx := excelize.NewFile()
	for column, title := range Header {
		xlsx.SetCellValue(exportSheet, cellName(column, 1), title)
	}

	line := 2
	for it.Next() {
		record := it.Record()
		values := []interface{}{
			record.UserID,
			record.Username,
			record.InviteCode,
			record.StaffID,
			record.UseCountBefore,
			record.UseCountAfter,
			record.ObservedAt,
			record.CommunityID,
			record.Ambiguous,
			record.Source,
		}
		for column, value := range values {
			xlsx.SetCellValue(exportSheet, cellName(column, line), value)
		}
		line++
	}
	if it.Err() != nil {
		return 0, it.Err()
	}

	err = xlsx.Write(w)
	if err != nil {
		return 0, errors.Wrap(err, "writing join log spreadsheet failed")
	}
	return line - 2, nil
}

// cellName converts a zero based column and a one based row to a cell name like "B7".
func cellName(column, row int) string {
	name := ""
	for column >= 0 {
		name = string(rune('A'+column%26)) + name
		column = column/26 - 1
	}
	return name + strconv.Itoa(row)
}
