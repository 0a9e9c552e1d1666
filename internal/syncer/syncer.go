package syncer

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"fknsrs.biz/p/ytscribe/internal/catchpanic"
	"fknsrs.biz/p/ytscribe/internal/ctxlogger"
	"fknsrs.biz/p/ytscribe/internal/ctxtimer"
	"fknsrs.biz/p/ytscribe/internal/store"
	"fknsrs.biz/p/ytscribe/internal/ytdl"
	"fknsrs.biz/p/ytscribe/internal/ytutil"
	"fknsrs.biz/p/ytscribe/models"
)

// Extractor is the slice of ytdl.Client the passes use.
type Extractor interface {
	ProbeChannel(ctx context.Context, ref string) (*ytdl.ChannelInfo, error)
	ListVideos(ctx context.Context, channelURL string, exclude []string) ([]ytdl.Entry, error)
	FetchCaptions(ctx context.Context, videoURL string) (*ytdl.Captions, error)
	FetchBytes(ctx context.Context, url string) ([]byte, error)
}

type Notifier interface {
	Notify(ctx context.Context, message string) error
}

type Config struct {
	// Channels are the configured channel references, in order.
	Channels []string
	// Languages are the caption languages to store. Defaults to English.
	Languages []string
}

// DecodeError means a caption payload was not valid UTF-8.
type DecodeError struct {
	VideoID  string
	Language string
	Offset   int
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("syncer: %s caption payload for video %s is not valid utf-8 (first bad byte at offset %d)", e.Language, e.VideoID, e.Offset)
}

type PassReport struct {
	Seen     int
	Added    int
	Existing int
	Skipped  int
	Failed   int
}

func (r PassReport) fields(prefix string) logrus.Fields {
	return logrus.Fields{
		prefix + ".seen":     r.Seen,
		prefix + ".added":    r.Added,
		prefix + ".existing": r.Existing,
		prefix + ".skipped":  r.Skipped,
		prefix + ".failed":   r.Failed,
	}
}

type Report struct {
	Channels    PassReport
	Videos      PassReport
	Transcripts PassReport
}

// Fields flattens the report into log fields.
func (r *Report) Fields() logrus.Fields {
	f := logrus.Fields{}
	for _, part := range []logrus.Fields{r.Channels.fields("channels"), r.Videos.fields("videos"), r.Transcripts.fields("transcripts")} {
		for k, v := range part {
			f[k] = v
		}
	}
	return f
}

type outcome int

const (
	outcomeAdded outcome = iota
	outcomeExisting
	outcomeSkipped
)

func (r *PassReport) record(o outcome) {
	switch o {
	case outcomeAdded:
		r.Added++
	case outcomeExisting:
		r.Existing++
	case outcomeSkipped:
		r.Skipped++
	}
}

// Synchronizer runs the channel, video and transcript passes against one
// store. It keeps no state between runs.
type Synchronizer struct {
	store     *store.Store
	extractor Extractor
	notifier  Notifier
	config    Config
}

func New(s *store.Store, e Extractor, n Notifier, cfg Config) *Synchronizer {
	if len(cfg.Languages) == 0 {
		cfg.Languages = []string{"en"}
	}

	return &Synchronizer{store: s, extractor: e, notifier: n, config: cfg}
}

// Run executes the three passes in order. It only returns an error when ctx
// is cancelled; item failures are counted in the report.
func (s *Synchronizer) Run(ctx context.Context) (*Report, error) {
	var r Report

	if ctxtimer.GetTimer(ctx) == nil {
		ctx = ctxtimer.WithTimer(ctx, nil)
	}

	passes := []struct {
		name string
		fn   func()
	}{
		{"channels", func() { r.Channels = s.SyncChannels(ctx) }},
		{"videos", func() { r.Videos = s.SyncVideos(ctx) }},
		{"transcripts", func() { r.Transcripts = s.SyncTranscripts(ctx) }},
	}

	for _, p := range passes {
		l := ctxlogger.GetLogger(ctx).WithField("pass.name", p.name)

		if d, ok := ctxtimer.Measure(ctx, "syncer.pass."+p.name, p.fn); ok {
			l = l.WithField("pass.duration", d)
		}

		l.Debug("pass finished")

		if err := ctx.Err(); err != nil {
			return &r, fmt.Errorf("syncer.Synchronizer.Run: %w", err)
		}
	}

	return &r, nil
}

// fail logs an item failure and reports it to the notifier. Notification
// errors are only logged.
func (s *Synchronizer) fail(ctx context.Context, logger logrus.FieldLogger, message string, err error) {
	var perr *catchpanic.PanicError
	if errors.As(err, &perr) {
		logger = logger.WithFields(perr.Fields())
	}

	logger.WithError(err).Error(message)

	if s.notifier == nil {
		return
	}

	if nerr := s.notifier.Notify(ctx, fmt.Sprintf("ytscribe: %s: %v", message, err)); nerr != nil {
		logger.WithError(nerr).Warn("could not send failure notification")
	}
}

// SyncChannels records every configured channel that is not yet stored.
func (s *Synchronizer) SyncChannels(ctx context.Context) PassReport {
	var r PassReport

	for _, ref := range s.config.Channels {
		if ctx.Err() != nil {
			break
		}

		r.Seen++

		ctx, logger := ctxlogger.WithFields(ctx, logrus.Fields{"channel.ref": ref})

		o, err := catchpanic.CatchErr1(func() (outcome, error) { return s.syncChannel(ctx, ref) })
		if err != nil {
			r.Failed++
			s.fail(ctx, logger, fmt.Sprintf("could not sync channel %s", ref), err)
			continue
		}

		r.record(o)
	}

	return r
}

func (s *Synchronizer) syncChannel(ctx context.Context, ref string) (outcome, error) {
	info, err := s.extractor.ProbeChannel(ctx, ref)
	if err != nil {
		return 0, err
	}

	logger := ctxlogger.GetLogger(ctx).WithFields(logrus.Fields{"channel.id": info.ID, "channel.name": info.Name})

	ok, err := s.store.Exists(ctx, models.ChannelTable.Name(), []string{"id"}, info.ID)
	if err != nil {
		return 0, err
	}
	if ok {
		logger.Debug("channel already stored")
		return outcomeExisting, nil
	}

	if err := s.store.CreateRecord(ctx, models.Channel{ID: info.ID, Name: info.Name, URL: info.URL}); err != nil {
		if store.IsConstraint(err) {
			logger.WithError(err).Debug("channel inserted concurrently; ignoring")
			return outcomeExisting, nil
		}

		return 0, err
	}

	logger.Info("added channel")

	return outcomeAdded, nil
}

// SyncVideos lists each stored channel's new videos and records them. The
// ids already stored are passed to the extractor so known videos are not
// resolved again.
func (s *Synchronizer) SyncVideos(ctx context.Context) PassReport {
	var r PassReport

	channels, err := s.store.Channels(ctx)
	if err != nil {
		r.Failed++
		s.fail(ctx, ctxlogger.GetLogger(ctx), "could not read channels", err)
		return r
	}

	for _, ch := range channels {
		if ctx.Err() != nil {
			break
		}

		ctx, logger := ctxlogger.WithFields(ctx, logrus.Fields{"channel.id": ch.ID})

		if err := catchpanic.CatchErr0(func() error { return s.syncChannelVideos(ctx, ch, &r) }); err != nil {
			r.Failed++
			s.fail(ctx, logger, fmt.Sprintf("could not sync videos for channel %s", ch.ID), err)
		}
	}

	return r
}

func channelURL(ch models.Channel) (string, error) {
	if ch.URL != "" {
		return ch.URL, nil
	}

	return ytutil.ChannelURL(ch.ID)
}

func (s *Synchronizer) syncChannelVideos(ctx context.Context, ch models.Channel, r *PassReport) error {
	logger := ctxlogger.GetLogger(ctx)

	u, err := channelURL(ch)
	if err != nil {
		return err
	}

	known, err := s.store.VideoIDsForChannel(ctx, ch.ID)
	if err != nil {
		return err
	}

	entries, err := s.extractor.ListVideos(ctx, u, known)
	if err != nil {
		if errors.Is(err, ytdl.ErrNoEntries) {
			logger.WithField("channel.known", len(known)).Debug("no new videos")
			return nil
		}

		return err
	}

	logger.WithFields(logrus.Fields{"channel.known": len(known), "channel.new": len(entries)}).Debug("listed videos")

	return s.store.InSavepoint(ctx, "channel_videos", func(ctx context.Context) error {
		for _, e := range entries {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			r.Seen++

			ctx, logger := ctxlogger.WithFields(ctx, logrus.Fields{"video.id": e.ID})

			var o outcome
			err := s.store.InSavepoint(ctx, "video_entry", func(ctx context.Context) error {
				var err error
				o, err = catchpanic.CatchErr1(func() (outcome, error) { return s.addVideo(ctx, ch, e) })
				return err
			})
			if err != nil {
				r.Failed++
				s.fail(ctx, logger, fmt.Sprintf("could not add video %q to channel %s", e.ID, ch.ID), err)
				continue
			}

			r.record(o)
		}

		return nil
	})
}

func (s *Synchronizer) addVideo(ctx context.Context, ch models.Channel, e ytdl.Entry) (outcome, error) {
	if e.ID == "" {
		return 0, fmt.Errorf("syncer.Synchronizer.addVideo: entry has no id")
	}

	ok, err := s.store.Exists(ctx, models.VideoTable.Name(), []string{"id"}, e.ID)
	if err != nil {
		return 0, err
	}
	if ok {
		return outcomeExisting, nil
	}

	u := e.URL
	if u == "" {
		u = ytutil.WatchURL(e.ID)
	}

	if err := s.store.CreateRecord(ctx, models.Video{ID: e.ID, ChannelID: ch.ID, Title: e.Title, URL: u}); err != nil {
		if store.IsConstraint(err) {
			ctxlogger.GetLogger(ctx).WithError(err).Debug("video already stored; ignoring")
			return outcomeExisting, nil
		}

		return 0, err
	}

	ctxlogger.GetLogger(ctx).WithField("video.title", e.Title).Info("added video")

	return outcomeAdded, nil
}

// SyncTranscripts fetches captions for every video without a transcript. A
// video that fails stays pending and is tried again on the next run.
func (s *Synchronizer) SyncTranscripts(ctx context.Context) PassReport {
	var r PassReport

	pending, err := s.store.PendingTranscripts(ctx)
	if err != nil {
		r.Failed++
		s.fail(ctx, ctxlogger.GetLogger(ctx), "could not read pending transcripts", err)
		return r
	}

	for _, v := range pending {
		if ctx.Err() != nil {
			break
		}

		r.Seen++

		ctx, logger := ctxlogger.WithFields(ctx, logrus.Fields{"video.id": v.ID})

		o, err := catchpanic.CatchErr1(func() (outcome, error) { return s.syncTranscript(ctx, v) })
		if err != nil {
			r.Failed++
			s.fail(ctx, logger, fmt.Sprintf("could not fetch transcript for video %s", v.ID), err)
			continue
		}

		r.record(o)
	}

	return r
}

func (s *Synchronizer) syncTranscript(ctx context.Context, v models.Video) (outcome, error) {
	logger := ctxlogger.GetLogger(ctx)

	u := v.URL
	if u == "" {
		u = ytutil.WatchURL(v.ID)
	}

	captions, err := s.extractor.FetchCaptions(ctx, u)
	if err != nil {
		return 0, err
	}

	if captions == nil || !captions.Available {
		logger.Debug("no automatic captions available")
		return outcomeSkipped, nil
	}

	var transcripts []models.Transcript

	for _, lang := range s.config.Languages {
		formats := captions.Tracks[lang]
		if len(formats) == 0 {
			continue
		}

		d, err := s.extractor.FetchBytes(ctx, formats[0].URL)
		if err != nil {
			return 0, err
		}

		if !utf8.Valid(d) {
			return 0, &DecodeError{VideoID: v.ID, Language: lang, Offset: invalidOffset(d)}
		}

		transcripts = append(transcripts, models.Transcript{VideoID: v.ID, Language: lang, Transcript: string(d)})
	}

	if len(transcripts) == 0 {
		logger.WithField("video.caption_languages", len(captions.Tracks)).Debug("no captions in a wanted language")
		return outcomeSkipped, nil
	}

	if err := s.store.InSavepoint(ctx, "video_transcripts", func(ctx context.Context) error {
		for _, t := range transcripts {
			if err := s.store.CreateRecord(ctx, t); err != nil {
				if store.IsConstraint(err) {
					logger.WithError(err).WithField("transcript.language", t.Language).Debug("transcript already stored; ignoring")
					continue
				}

				return err
			}
		}

		return nil
	}); err != nil {
		return 0, err
	}

	logger.WithField("transcript.count", len(transcripts)).Info("added transcripts")

	return outcomeAdded, nil
}

func invalidOffset(d []byte) int {
	for i := 0; i < len(d); {
		r, size := utf8.DecodeRune(d[i:])
		if r == utf8.RuneError && size <= 1 {
			return i
		}
		i += size
	}

	return -1
}
