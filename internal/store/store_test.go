package store

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fknsrs.biz/p/ytscribe/models"
)

func openStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(context.Background(), "sqlite3", filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.EnsureSchema(context.Background()))

	return s
}

func TestEnsureSchemaIdempotent(t *testing.T) {
	a := assert.New(t)
	ctx := context.Background()

	s := openStore(t)

	a.NoError(s.EnsureSchema(ctx))
	a.NoError(s.EnsureSchema(ctx))

	v, err := s.Version(ctx)
	a.NoError(err)
	a.Equal(SchemaVersion, v)

	var n int
	require.NoError(t, s.DB().QueryRow("select count(*) from schema_version").Scan(&n))
	a.Equal(1, n)
}

func TestEnsureSchemaMigratesLegacyDatabase(t *testing.T) {
	a := assert.New(t)
	ctx := context.Background()

	p := filepath.Join(t.TempDir(), "legacy.db")

	db, err := sql.Open("sqlite3", p)
	require.NoError(t, err)
	for _, stmt := range []string{
		"create table channels (id text primary key, name text)",
		"create table videos (id text primary key, channelid text not null, title text, url text)",
		"create table transcripts (id text, language text, transcript text, raw_transcript blob)",
		"insert into channels (id, name) values ('c1', 'Channel One')",
		"insert into videos (id, channelid, title, url) values ('v1', 'c1', 'First', 'https://example.com/v1')",
		"insert into videos (id, channelid, title, url) values ('v2', 'c1', null, null)",
		"insert into transcripts (id, language, transcript) values ('v1', 'en', 'first copy')",
		"insert into transcripts (id, language, transcript) values ('v1', 'en', 'second copy')",
		"insert into transcripts (id, language, transcript) values ('v1', 'fr', 'bonjour')",
	} {
		_, err := db.Exec(stmt)
		require.NoError(t, err, stmt)
	}
	require.NoError(t, db.Close())

	s, err := Open(ctx, "sqlite3", p)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.EnsureSchema(ctx))

	v, err := s.Version(ctx)
	a.NoError(err)
	a.Equal(SchemaVersion, v)

	channels, err := s.Channels(ctx)
	a.NoError(err)
	a.Equal([]models.Channel{{ID: "c1", Name: "Channel One", URL: ""}}, channels)

	ids, err := s.VideoIDsForChannel(ctx, "c1")
	a.NoError(err)
	a.Equal([]string{"v1", "v2"}, ids)

	var transcripts []models.Transcript
	a.NoError(s.Query(ctx, &transcripts, "where video_id = ? order by language", "v1"))
	a.Equal([]models.Transcript{
		{VideoID: "v1", Language: "en", Transcript: "first copy"},
		{VideoID: "v1", Language: "fr", Transcript: "bonjour"},
	}, transcripts)

	pending, err := s.PendingTranscripts(ctx)
	a.NoError(err)
	a.Equal([]models.Video{{ID: "v2", ChannelID: "c1", Title: "", URL: ""}}, pending)

	err = s.CreateRecord(ctx, models.Transcript{VideoID: "v1", Language: "en", Transcript: "again"})
	a.True(IsConstraint(err))

	a.NoError(s.EnsureSchema(ctx))
}

func TestExistsAndInsert(t *testing.T) {
	a := assert.New(t)
	ctx := context.Background()

	s := openStore(t)

	ok, err := s.Exists(ctx, "channels", []string{"id"}, "c1")
	a.NoError(err)
	a.False(ok)

	a.NoError(s.Insert(ctx, "channels", []string{"id", "name", "url"}, []interface{}{"c1", "One", "https://example.com/c1"}))

	ok, err = s.Exists(ctx, "channels", []string{"id"}, "c1")
	a.NoError(err)
	a.True(ok)

	ok, err = s.Exists(ctx, "channels", []string{"id", "name"}, "c1", "Two")
	a.NoError(err)
	a.False(ok)

	err = s.Insert(ctx, "channels", []string{"id", "name", "url"}, []interface{}{"c1", "Again", ""})
	var perr *PersistenceError
	a.ErrorAs(err, &perr)
	a.True(perr.Constraint())
	a.Equal("Insert", perr.Op)
}

func TestWhereEqual(t *testing.T) {
	a := assert.New(t)

	clause, args, err := whereEqual(models.ChannelTable, []string{"id", "name"}, []interface{}{"c1", "x' or 1=1"})
	a.NoError(err)
	a.Equal(`where ("channels"."id" = $1 AND "channels"."name" = $2)`, clause)
	a.Equal([]interface{}{"c1", "x' or 1=1"}, args)

	clause, args, err = whereEqual(models.TranscriptTable, []string{"video_id"}, []interface{}{"v1"})
	a.NoError(err)
	a.Equal(`where "transcripts"."video_id" = $1`, clause)
	a.Equal([]interface{}{"v1"}, args)
}

func TestCreateRecordRequiresID(t *testing.T) {
	a := assert.New(t)
	ctx := context.Background()

	s := openStore(t)

	a.ErrorIs(s.CreateRecord(ctx, models.Video{ChannelID: "c1", Title: "no id"}), ErrMissingID)

	counts, err := s.Counts(ctx)
	a.NoError(err)
	a.Equal(0, counts.Videos)
}

func TestCreateRecordTranscriptKey(t *testing.T) {
	a := assert.New(t)
	ctx := context.Background()

	s := openStore(t)

	a.NoError(s.CreateRecord(ctx, &models.Transcript{VideoID: "v1", Language: "en", Transcript: "hello"}))
	a.NoError(s.CreateRecord(ctx, &models.Transcript{VideoID: "v1", Language: "de", Transcript: "hallo"}))

	ok, err := s.Exists(ctx, "transcripts", []string{"video_id", "language"}, "v1", "de")
	a.NoError(err)
	a.True(ok)

	ok, err = s.Exists(ctx, "transcripts", []string{"video_id", "language"}, "v1", "fr")
	a.NoError(err)
	a.False(ok)
}

func TestRejectsUnknownIdentifiers(t *testing.T) {
	a := assert.New(t)
	ctx := context.Background()

	s := openStore(t)

	_, err := s.Exists(ctx, "channels; drop table videos", []string{"id"}, "x")
	a.ErrorIs(err, ErrUnknownTable)

	_, err = s.Exists(ctx, "channels", []string{"id = id or 1"}, "x")
	a.ErrorIs(err, ErrUnknownColumn)

	a.ErrorIs(s.Insert(ctx, "videos", []string{"id", "nope"}, []interface{}{"a", "b"}), ErrUnknownColumn)
	a.Error(s.Insert(ctx, "videos", []string{"id"}, []interface{}{"a", "b"}))
	a.ErrorIs(s.CreateRecord(ctx, struct{ ID string }{"x"}), ErrUnknownTable)
	a.False(IsConstraint(fmt.Errorf("plain")))
}

func TestInjectionSafety(t *testing.T) {
	a := assert.New(t)
	ctx := context.Background()

	s := openStore(t)

	hostile := `Robert'); drop table videos; -- "quoted" ; select * from channels where '1'='1`

	a.NoError(s.CreateRecord(ctx, &models.Channel{ID: "c1", Name: hostile, URL: "https://example.com/'"}))
	a.NoError(s.CreateRecord(ctx, &models.Video{ID: "v'1", ChannelID: "c1", Title: hostile, URL: "u"}))

	ok, err := s.Exists(ctx, "videos", []string{"id"}, "v'1")
	a.NoError(err)
	a.True(ok)

	ok, err = s.Exists(ctx, "videos", []string{"id"}, "' or '1'='1")
	a.NoError(err)
	a.False(ok)

	channels, err := s.Channels(ctx)
	a.NoError(err)
	require.Len(t, channels, 1)
	a.Equal(hostile, channels[0].Name)

	counts, err := s.Counts(ctx)
	a.NoError(err)
	a.Equal(&Counts{Channels: 1, Videos: 1, Transcripts: 0}, counts)
}

func TestPendingTranscripts(t *testing.T) {
	a := assert.New(t)
	ctx := context.Background()

	s := openStore(t)

	require.NoError(t, s.CreateRecord(ctx, models.Channel{ID: "c1", Name: "One", URL: "u"}))
	for _, id := range []string{"v1", "v2", "v3"} {
		require.NoError(t, s.CreateRecord(ctx, models.Video{ID: id, ChannelID: "c1", Title: id, URL: "u/" + id}))
	}
	require.NoError(t, s.CreateRecord(ctx, models.Transcript{VideoID: "v1", Language: "en", Transcript: "hello"}))

	pending, err := s.PendingTranscripts(ctx)
	a.NoError(err)

	var ids []string
	for _, v := range pending {
		ids = append(ids, v.ID)
	}
	a.Equal([]string{"v2", "v3"}, ids)

	require.NoError(t, s.CreateRecord(ctx, models.Transcript{VideoID: "v2", Language: "de", Transcript: "hallo"}))

	pending, err = s.PendingTranscripts(ctx)
	a.NoError(err)
	require.Len(t, pending, 1)
	a.Equal("v3", pending[0].ID)
}

func TestInSavepoint(t *testing.T) {
	a := assert.New(t)
	ctx := context.Background()

	s := openStore(t)

	require.NoError(t, s.CreateRecord(ctx, models.Channel{ID: "c1", Name: "One", URL: "u"}))

	a.NoError(s.InSavepoint(ctx, "channel", func(ctx context.Context) error {
		for _, id := range []string{"v1", "v1", "v2"} {
			err := s.InSavepoint(ctx, "entry", func(ctx context.Context) error {
				return s.CreateRecord(ctx, models.Video{ID: id, ChannelID: "c1", Title: id, URL: "u"})
			})
			if err != nil {
				a.True(IsConstraint(err))
			}
		}

		ok, err := s.Exists(ctx, "videos", []string{"id"}, "v2")
		a.NoError(err)
		a.True(ok)

		return nil
	}))

	ids, err := s.VideoIDsForChannel(ctx, "c1")
	a.NoError(err)
	a.Equal([]string{"v1", "v2"}, ids)

	a.Error(s.InSavepoint(ctx, "channel", func(ctx context.Context) error {
		if err := s.CreateRecord(ctx, models.Video{ID: "v3", ChannelID: "c1", Title: "v3", URL: "u"}); err != nil {
			return err
		}
		return fmt.Errorf("abandon")
	}))

	ok, err := s.Exists(ctx, "videos", []string{"id"}, "v3")
	a.NoError(err)
	a.False(ok)
}

func TestClose(t *testing.T) {
	a := assert.New(t)
	ctx := context.Background()

	s, err := Open(ctx, "sqlite3", filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	a.NoError(s.Close())
	a.NoError(s.Close())

	_, err = s.Exists(ctx, "channels", []string{"id"}, "x")
	a.ErrorIs(err, ErrClosed)
}
