// Translation dispatch coordinator.
//
// Given a persisted message and its resolved target-language set, the
// coordinator decides per language between three paths: cache hit (serve
// instantly, zero remote calls), attach to an identical in-flight request
// (one remote call feeds every waiting message), or issue a new
// bounded-concurrency remote call. Results are written to the shared cache
// and to the translation store through an atomic upsert, then emitted as
// independent per-language completion events on the bus.
//
// Nothing here blocks the ingestion path: Dispatch fans work out to
// goroutines and returns immediately.
package translate

import (
	"context"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-polyglot-gateway/internal/bus"
	"github.com/tbourn/go-polyglot-gateway/internal/domain"
	"github.com/tbourn/go-polyglot-gateway/internal/repo"
)

// Failure reasons carried on terminal translation events.
const (
	ReasonEngineFailed   = "engine_failed"
	ReasonSkippedTooLong = "skipped_too_long"
	// ReasonStoreFailed marks a translation that was produced (or found in
	// cache) but could not be persisted; no engine fault is implied.
	ReasonStoreFailed = "store_failed"
)

var (
	dispatchOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_translations_total",
			Help: "Translation dispatch outcomes, by result.",
		},
		[]string{"outcome"}, // done | cache_hit | follower | failed | skipped_too_long | store_failed
	)
	engineLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "gateway_engine_call_seconds",
		Help:    "Remote translation engine call duration in seconds.",
		Buckets: prometheus.DefBuckets,
	})
	engineInflight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_engine_calls_inflight",
		Help: "Remote translation calls currently in flight.",
	})
)

func init() {
	prometheus.MustRegister(dispatchOutcomes, engineLatency, engineInflight)
}

// pendingKey identifies an in-flight remote request. Keying on the content
// fingerprint rather than the message ID lets distinct messages with
// identical text share one remote call.
type pendingKey struct {
	fingerprint string
	source      string
	target      string
}

// follower is a message waiting on someone else's in-flight request for the
// same key.
type follower struct {
	messageID      string
	conversationID string
}

// Coordinator orchestrates translation dispatch. Safe for concurrent use.
type Coordinator struct {
	DB     *gorm.DB
	Engine Translator
	Bus    bus.Bus

	// MaxTranslateRunes is the ceiling above which a message is delivered
	// untranslated and reported as skipped.
	MaxTranslateRunes int
	// MaxRetries and Backoff shape the retry loop around engine calls.
	MaxRetries int
	Backoff    time.Duration

	// sem caps concurrent remote calls.
	sem chan struct{}

	mu      sync.Mutex
	pending map[pendingKey][]follower
}

// NewCoordinator constructs a Coordinator with a remote-call concurrency cap.
func NewCoordinator(db *gorm.DB, engine Translator, b bus.Bus, maxTranslateRunes, concurrency, maxRetries int, backoff time.Duration) *Coordinator {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Coordinator{
		DB:                db,
		Engine:            engine,
		Bus:               b,
		MaxTranslateRunes: maxTranslateRunes,
		MaxRetries:        maxRetries,
		Backoff:           backoff,
		sem:               make(chan struct{}, concurrency),
	}
}

// Dispatch starts translation work for msg into each target language and
// returns immediately. The work runs on a context detached from the caller's
// cancellation: a client disconnect must not abandon translations that
// reconnecting clients will want persisted.
func (c *Coordinator) Dispatch(ctx context.Context, msg *domain.Message, targets []string) {
	if len(targets) == 0 {
		return
	}

	tr := otel.Tracer("translate/Coordinator")
	ctx, span := tr.Start(context.WithoutCancel(ctx), "Dispatch",
		trace.WithAttributes(
			attribute.String("message.id", msg.ID),
			attribute.Int("targets", len(targets)),
		),
	)

	if c.MaxTranslateRunes > 0 && utf8.RuneCountInString(msg.Content) > c.MaxTranslateRunes {
		// Too long for the engine: delivered in the original language only,
		// each language reported as skipped.
		for _, lang := range targets {
			dispatchOutcomes.WithLabelValues("skipped_too_long").Inc()
			c.emitFailure(ctx, msg.ID, msg.ConversationID, lang, ReasonSkippedTooLong)
		}
		span.End()
		return
	}

	var wg sync.WaitGroup
	for _, lang := range targets {
		wg.Add(1)
		go func(lang string) {
			defer wg.Done()
			c.dispatchOne(ctx, msg, lang)
		}(lang)
	}
	go func() {
		wg.Wait()
		span.End()
	}()
}

// dispatchOne resolves a single (message, language) pair.
func (c *Coordinator) dispatchOne(ctx context.Context, msg *domain.Message, target string) {
	fp := Fingerprint(msg.Content)

	// Cache hit: persist a FromCache copy and complete immediately.
	if entry, err := repo.GetCacheEntry(ctx, c.DB, fp, msg.OriginalLanguage, target); err == nil {
		stored, err := repo.UpsertTranslation(ctx, c.DB, &domain.Translation{
			MessageID:         msg.ID,
			TargetLanguage:    target,
			TranslatedContent: entry.TranslatedContent,
			ModelTier:         entry.ModelTier,
			Confidence:        entry.Confidence,
			FromCache:         true,
		})
		if err != nil {
			log.Error().Err(err).Str("message_id", msg.ID).Str("lang", target).Msg("cache-hit upsert failed")
			dispatchOutcomes.WithLabelValues("store_failed").Inc()
			c.emitFailure(ctx, msg.ID, msg.ConversationID, target, ReasonStoreFailed)
			return
		}
		dispatchOutcomes.WithLabelValues("cache_hit").Inc()
		c.emitDone(ctx, msg.ConversationID, stored)
		return
	}

	key := pendingKey{fingerprint: fp, source: msg.OriginalLanguage, target: target}

	// In-flight dedup: attach as a follower when an identical request is
	// already running; the owner completes us when its result lands.
	c.mu.Lock()
	if _, inFlight := c.pending[key]; inFlight {
		c.pending[key] = append(c.pending[key], follower{messageID: msg.ID, conversationID: msg.ConversationID})
		c.mu.Unlock()
		dispatchOutcomes.WithLabelValues("follower").Inc()
		return
	}
	if c.pending == nil {
		c.pending = make(map[pendingKey][]follower)
	}
	c.pending[key] = nil
	c.mu.Unlock()

	res, err := c.callEngine(ctx, msg.Content, msg.OriginalLanguage, target)

	// Collect followers and clear the in-flight slot before emitting, so a
	// late dispatcher for the same key starts fresh rather than attaching to
	// a finished call.
	c.mu.Lock()
	followers := c.pending[key]
	delete(c.pending, key)
	c.mu.Unlock()

	if err != nil {
		log.Warn().Err(err).
			Str("message_id", msg.ID).
			Str("source", msg.OriginalLanguage).
			Str("lang", target).
			Msg("translation failed after retries")
		dispatchOutcomes.WithLabelValues("failed").Inc()
		c.emitFailure(ctx, msg.ID, msg.ConversationID, target, ReasonEngineFailed)
		for _, f := range followers {
			dispatchOutcomes.WithLabelValues("failed").Inc()
			c.emitFailure(ctx, f.messageID, f.conversationID, target, ReasonEngineFailed)
		}
		return
	}

	if err := repo.PutCacheEntry(ctx, c.DB, &domain.TranslationCacheEntry{
		Fingerprint:       fp,
		SourceLang:        msg.OriginalLanguage,
		TargetLang:        target,
		TranslatedContent: res.Text,
		ModelTier:         res.ModelTier,
		Confidence:        res.Confidence,
	}); err != nil {
		// Cache write failure is not terminal; the translation itself still lands.
		log.Warn().Err(err).Str("fingerprint", fp).Str("lang", target).Msg("cache store failed")
	}

	c.complete(ctx, msg.ID, msg.ConversationID, target, res, false)
	dispatchOutcomes.WithLabelValues("done").Inc()
	for _, f := range followers {
		c.complete(ctx, f.messageID, f.conversationID, target, res, true)
		dispatchOutcomes.WithLabelValues("done").Inc()
	}
}

// complete upserts the translation row for one message and emits its
// completion event. Concurrent writers for the same (message, language) pair
// converge on the unique index; the conflict path is a supersede, never a
// duplicate and never a client-visible error.
func (c *Coordinator) complete(ctx context.Context, messageID, conversationID, target string, res *Result, fromCache bool) {
	stored, err := repo.UpsertTranslation(ctx, c.DB, &domain.Translation{
		MessageID:         messageID,
		TargetLanguage:    target,
		TranslatedContent: res.Text,
		ModelTier:         res.ModelTier,
		Confidence:        res.Confidence,
		FromCache:         fromCache,
	})
	if err != nil {
		log.Error().Err(err).Str("message_id", messageID).Str("lang", target).Msg("translation upsert failed")
		dispatchOutcomes.WithLabelValues("store_failed").Inc()
		c.emitFailure(ctx, messageID, conversationID, target, ReasonStoreFailed)
		return
	}
	c.emitDone(ctx, conversationID, stored)
}

// callEngine runs the remote call with bounded concurrency and a bounded
// retry loop with doubling backoff.
func (c *Coordinator) callEngine(ctx context.Context, text, source, target string) (*Result, error) {
	c.sem <- struct{}{}
	defer func() { <-c.sem }()

	engineInflight.Inc()
	defer engineInflight.Dec()

	var lastErr error
	backoff := c.Backoff
	for attempt := 0; attempt <= c.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			backoff *= 2
		}

		start := time.Now()
		res, err := c.Engine.Translate(ctx, text, source, target)
		engineLatency.Observe(time.Since(start).Seconds())
		if err == nil {
			return res, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (c *Coordinator) emitDone(ctx context.Context, conversationID string, t *domain.Translation) {
	ev := bus.Event{
		Type:           bus.EventTranslationDone,
		ConversationID: conversationID,
		Translation: &bus.TranslationPayload{
			MessageID:         t.MessageID,
			ConversationID:    conversationID,
			TargetLanguage:    t.TargetLanguage,
			TranslatedContent: t.TranslatedContent,
			Confidence:        t.Confidence,
			FromCache:         t.FromCache,
		},
	}
	if err := c.Bus.Publish(ctx, ev); err != nil {
		log.Warn().Err(err).Str("message_id", t.MessageID).Str("lang", t.TargetLanguage).Msg("publish translation event failed")
	}
}

func (c *Coordinator) emitFailure(ctx context.Context, messageID, conversationID, target, reason string) {
	ev := bus.Event{
		Type:           bus.EventTranslationFailed,
		ConversationID: conversationID,
		Translation: &bus.TranslationPayload{
			MessageID:      messageID,
			ConversationID: conversationID,
			TargetLanguage: target,
			Reason:         reason,
		},
	}
	if err := c.Bus.Publish(ctx, ev); err != nil {
		log.Warn().Err(err).Str("message_id", messageID).Str("lang", target).Msg("publish translation failure failed")
	}
}
