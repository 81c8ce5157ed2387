// Package notify reacts to storage change notifications: when a new object
// lands in the hosting area it is re-hashed from storage and handed to the
// admin advertise endpoint.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"nanohost/metrics"
	"nanohost/pkg/uhrp"
	"nanohost/svc/cache"
	"nanohost/svc/db"
	"nanohost/svc/store"
	"nanohost/svc/util"
)

// StorageEvent is the bucket notification shape delivered on object
// creation. Size arrives as a decimal string from some notification
// transports.
type StorageEvent struct {
	Bucket         string      `json:"bucket"`
	Name           string      `json:"name"`
	Size           json.Number `json:"size"`
	Metageneration string      `json:"metageneration"`
	TimeCreated    string      `json:"timeCreated"`
	Updated        string      `json:"updated"`
	EventID        string      `json:"eventId"`
}

// Trigger drives the event-driven advertisement path. Events outside the
// hosting prefix are ignored; redelivered events are dropped via the LRU
// and, when available, a shared redis marker.
type Trigger struct {
	store        store.ObjectStore
	adCache      *cache.LRU
	rdb          *db.Redis
	client       *http.Client
	advertiseURL string
	adminToken   string
	prefix       string
	eventTTL     time.Duration
}

func NewTrigger(objStore store.ObjectStore, adCache *cache.LRU, rdb *db.Redis, advertiseURL, adminToken, hostingPrefix string, timeout time.Duration) *Trigger {
	return &Trigger{
		store:        objStore,
		adCache:      adCache,
		rdb:          rdb,
		client:       &http.Client{Timeout: timeout},
		advertiseURL: advertiseURL,
		adminToken:   adminToken,
		prefix:       strings.Trim(hostingPrefix, "/") + "/",
		eventTTL:     24 * time.Hour,
	}
}

type advertiseRequest struct {
	AdminToken       string `json:"adminToken"`
	FileHash         string `json:"fileHash"`
	ObjectIdentifier string `json:"objectIdentifier"`
	FileSize         int64  `json:"fileSize"`
}

// Handle processes one storage event. Non-matching objects are a no-op,
// not an error.
func (t *Trigger) Handle(ctx context.Context, ev StorageEvent) error {
	if !strings.HasPrefix(ev.Name, t.prefix) {
		metrics.EventsFiltered.Inc()
		util.Debug().Str("name", ev.Name).Msg("object outside hosting prefix, ignoring")
		return nil
	}
	objectIdentifier := ev.Name[strings.LastIndexByte(ev.Name, '/')+1:]
	if objectIdentifier == "" {
		return errors.New("event has no object identifier")
	}

	if t.rdb != nil && ev.EventID != "" {
		seen, err := t.rdb.EventProcessed(ctx, ev.EventID)
		if err != nil {
			util.Warn().Err(err).Msg("event dedup check unavailable")
		} else if seen {
			util.Debug().Str("event_id", ev.EventID).Msg("event already processed")
			return nil
		}
	}
	if t.adCache != nil && t.adCache.Get(ctx, objectIdentifier) != "" {
		util.Debug().Str("object", objectIdentifier).Msg("object recently advertised, skipping")
		return nil
	}

	body, size, err := t.store.Open(ctx, ev.Name)
	if err != nil {
		return errors.Wrap(err, "open object")
	}
	defer body.Close()
	contentURL, n, err := uhrp.URLForStream(body)
	if err != nil {
		return errors.Wrap(err, "hash object")
	}
	metrics.BytesHashed.Add(float64(n))
	if size > 0 && n != size {
		return errors.Errorf("stored size %d does not match hashed bytes %d", size, n)
	}
	if declared, err := strconv.ParseInt(ev.Size.String(), 10, 64); err == nil && declared != n {
		return errors.Errorf("event size %d does not match hashed bytes %d", declared, n)
	}

	if err := t.postAdvertise(ctx, contentURL, objectIdentifier, n); err != nil {
		return err
	}
	if t.rdb != nil && ev.EventID != "" {
		if err := t.rdb.MarkEventProcessed(ctx, ev.EventID, t.eventTTL); err != nil {
			util.Warn().Err(err).Msg("failed to mark event processed")
		}
	}
	util.Info().
		Str("object", objectIdentifier).
		Str("content_url", contentURL).
		Int64("bytes", n).
		Msg("storage event advertised")
	return nil
}

func (t *Trigger) postAdvertise(ctx context.Context, contentURL, objectIdentifier string, fileSize int64) error {
	payload, err := json.Marshal(advertiseRequest{
		AdminToken:       t.adminToken,
		FileHash:         contentURL,
		ObjectIdentifier: objectIdentifier,
		FileSize:         fileSize,
	})
	if err != nil {
		return errors.Wrap(err, "marshal advertise request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.advertiseURL, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "build advertise request")
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "advertise request")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("advertise endpoint returned status %d", resp.StatusCode)
	}
	return nil
}
