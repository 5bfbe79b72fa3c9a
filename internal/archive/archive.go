// Package archive indexes completed-session transcripts into an
// embedded vector store so past engagements can be recalled
// semantically ("what did we promise acme about payback time?").
//
// Archival is strictly best-effort: it runs after the session is
// already durable in the primary store, and its failures never fail
// the query path.
package archive

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"github.com/outcomelabs/flowd/internal/store"
	"github.com/outcomelabs/flowd/internal/workflow"
)

const collectionName = "flowd_transcripts"

// Match is one recalled transcript.
type Match struct {
	SessionID  string
	UserID     string
	Stage      workflow.Stage
	Transcript string
	Similarity float32
}

// Archiver stores and recalls session transcripts.
type Archiver struct {
	db        *chromem.DB
	embedding chromem.EmbeddingFunc
	logger    *zap.Logger

	mu         sync.Mutex
	collection *chromem.Collection
}

// Config configures the archiver.
type Config struct {
	// Path is the directory for persistent storage. Empty keeps the
	// index in memory only.
	Path string

	// Compress enables gzip compression of persisted data.
	Compress bool
}

// New creates an archiver. embedding may be nil, in which case
// chromem's default (OpenAI) embedding is used.
func New(cfg Config, embedding chromem.EmbeddingFunc, logger *zap.Logger) (*Archiver, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if embedding == nil {
		embedding = chromem.NewEmbeddingFuncDefault()
	}

	var db *chromem.DB
	var err error
	if cfg.Path != "" {
		db, err = chromem.NewPersistentDB(cfg.Path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("open archive db: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}

	return &Archiver{db: db, embedding: embedding, logger: logger}, nil
}

func (a *Archiver) getCollection() (*chromem.Collection, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.collection != nil {
		return a.collection, nil
	}
	c, err := a.db.GetOrCreateCollection(collectionName, nil, a.embedding)
	if err != nil {
		return nil, fmt.Errorf("open collection: %w", err)
	}
	a.collection = c
	return c, nil
}

// Archive indexes the session's transcript. Sessions with an empty
// history are skipped.
func (a *Archiver) Archive(ctx context.Context, sess *store.Session) error {
	if sess == nil {
		return errors.New("session is required")
	}
	transcript := renderTranscript(sess.State.History)
	if transcript == "" {
		return nil
	}

	c, err := a.getCollection()
	if err != nil {
		return err
	}

	doc := chromem.Document{
		ID:      sess.ID,
		Content: transcript,
		Metadata: map[string]string{
			"user_id": sess.UserID,
			"stage":   string(sess.State.CurrentStage),
			"status":  string(sess.Status),
		},
	}
	if err := c.AddDocuments(ctx, []chromem.Document{doc}, 1); err != nil {
		return fmt.Errorf("index transcript: %w", err)
	}

	a.logger.Debug("archived session transcript",
		zap.String("session_id", sess.ID),
		zap.Int("messages", len(sess.State.History)),
	)
	return nil
}

// Recall returns up to k transcripts for userID most similar to query.
func (a *Archiver) Recall(ctx context.Context, userID, query string, k int) ([]Match, error) {
	if query == "" {
		return nil, errors.New("query is required")
	}
	if k <= 0 {
		k = 5
	}

	c, err := a.getCollection()
	if err != nil {
		return nil, err
	}
	if count := c.Count(); count == 0 {
		return nil, nil
	} else if k > count {
		k = count
	}

	where := map[string]string{}
	if userID != "" {
		where["user_id"] = userID
	}

	results, err := c.Query(ctx, query, k, where, nil)
	if err != nil {
		return nil, fmt.Errorf("query archive: %w", err)
	}

	matches := make([]Match, 0, len(results))
	for _, r := range results {
		matches = append(matches, Match{
			SessionID:  r.ID,
			UserID:     r.Metadata["user_id"],
			Stage:      workflow.Stage(r.Metadata["stage"]),
			Transcript: r.Content,
			Similarity: r.Similarity,
		})
	}
	return matches, nil
}

// renderTranscript flattens a history into indexable text.
func renderTranscript(history []workflow.Message) string {
	if len(history) == 0 {
		return ""
	}
	var b strings.Builder
	for _, m := range history {
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
