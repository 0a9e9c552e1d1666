package models

import (
	"fknsrs.biz/p/ytscribe/internal/sqlbuilderutil"
)

var (
	ChannelTable *sqlbuilderutil.Table
)

func init() {
	ChannelTable = sqlbuilderutil.MustMakeTable(Channel{})
}

// Channel is a tracked source. ID is the platform's stable identifier, not
// whatever handle the user configured.
type Channel struct {
	ID   string `sql:",table:channels"`
	Name string
	URL  string `sql:"url"`
}
