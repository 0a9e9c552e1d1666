package models

import (
	"fknsrs.biz/p/ytscribe/internal/sqlbuilderutil"
)

var (
	VideoTable *sqlbuilderutil.Table
)

func init() {
	VideoTable = sqlbuilderutil.MustMakeTable(Video{})
}

type Video struct {
	ID        string `sql:",table:videos"`
	ChannelID string
	Title     string
	URL       string `sql:"url"`
}
