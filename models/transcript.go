package models

import (
	"fknsrs.biz/p/ytscribe/internal/sqlbuilderutil"
)

var (
	TranscriptTable *sqlbuilderutil.Table
)

func init() {
	TranscriptTable = sqlbuilderutil.MustMakeTable(Transcript{})
}

// Transcript is the caption text of one video in one language, stored as
// fetched.
type Transcript struct {
	VideoID    string `sql:",table:transcripts,id"`
	Language   string `sql:",id"`
	Transcript string
}
