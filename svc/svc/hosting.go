package svc

import (
	"context"
	"encoding/hex"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"nanohost/cfg"
	"nanohost/metrics"
	"nanohost/pkg/domain"
	"nanohost/pkg/uhrp"
	"nanohost/svc/cache"
	"nanohost/svc/db"
	"nanohost/svc/ledger"
	"nanohost/svc/price"
	"nanohost/svc/store"
	"nanohost/svc/util"
)

const advertisementNote = "Content availability advertisement"

// Hosting is the payment-gated upload lifecycle: quoting a slot, gating a
// direct upload on its invoice, and advertising hosted content on the
// ledger.
type Hosting struct {
	db        *db.SQLite
	store     store.ObjectStore
	quoter    price.Quoter
	builder   *ledger.Builder
	broadcast *ledger.Client
	verifier  ledger.PaymentVerifier
	adCache   *cache.LRU
	cfg       *cfg.Cfg
	shutdown  atomic.Bool
	opWg      sync.WaitGroup
}

func NewHosting(
	sqlDB *db.SQLite,
	objStore store.ObjectStore,
	quoter price.Quoter,
	builder *ledger.Builder,
	broadcast *ledger.Client,
	verifier ledger.PaymentVerifier,
	adCache *cache.LRU,
	c *cfg.Cfg,
) *Hosting {
	if sqlDB == nil || objStore == nil || builder == nil || broadcast == nil || verifier == nil || c == nil {
		panic("hosting service: nil dependency")
	}
	return &Hosting{
		db:        sqlDB,
		store:     objStore,
		quoter:    quoter,
		builder:   builder,
		broadcast: broadcast,
		verifier:  verifier,
		adCache:   adCache,
		cfg:       c,
	}
}

func (h *Hosting) Shutdown() {
	h.shutdown.Store(true)
	h.opWg.Wait()
	util.Debug().Msg("hosting service shutdown complete")
}

// Authorize validates a quote request, mints a single-use invoice and
// obtains a time-boxed write credential for a fresh object identifier. The
// returned public URL is not retrievable until the upload completes and the
// advertisement is broadcast.
func (h *Hosting) Authorize(ctx context.Context, fileSize, retentionMinutes int64) (*domain.Quote, error) {
	if h.shutdown.Load() {
		return nil, errors.New("service shutting down")
	}
	h.opWg.Add(1)
	defer h.opWg.Done()

	if fileSize <= 0 || fileSize > h.cfg.MaxFileSize {
		return nil, domain.ErrInvalidSize
	}
	if retentionMinutes == 0 {
		return nil, domain.ErrNoRetentionPeriod
	}
	if retentionMinutes < h.cfg.MinRetentionMinutes {
		return nil, domain.ErrInvalidRetentionPeriod
	}

	amount, err := h.quoter.Quote(fileSize, retentionMinutes)
	if err != nil {
		return nil, err
	}
	objectIdentifier, err := util.NewObjectIdentifier()
	if err != nil {
		return nil, errors.Wrap(err, "object identifier")
	}
	referenceNumber, err := util.NewReferenceNumber()
	if err != nil {
		return nil, errors.Wrap(err, "reference number")
	}
	key := h.cfg.ObjectKey(objectIdentifier)
	uploadURL, err := h.store.PresignPut(ctx, key, fileSize, h.cfg.UploadURLExpiry)
	if err != nil {
		return nil, errors.Wrap(err, "presign upload")
	}

	now := time.Now().UTC()
	inv := &domain.Invoice{
		ReferenceNumber:  referenceNumber,
		FileID:           objectIdentifier,
		Amount:           amount,
		StoragePath:      key,
		RetentionMinutes: retentionMinutes,
		CreatedAt:        now,
	}
	file := &domain.FileRecord{
		FileID:           objectIdentifier,
		ObjectIdentifier: objectIdentifier,
		FileSize:         fileSize,
	}
	if err := h.db.CreateInvoice(ctx, inv, file); err != nil {
		return nil, errors.Wrap(err, "persist invoice")
	}
	metrics.QuotesIssued.Inc()
	util.Info().
		Str("reference", util.RedactToken(referenceNumber)).
		Int64("file_size", fileSize).
		Int64("retention_minutes", retentionMinutes).
		Int64("amount", amount).
		Msg("upload slot authorized")
	return &domain.Quote{
		ReferenceNumber: referenceNumber,
		UploadURL:       uploadURL,
		PublicURL:       h.cfg.PublicURL(objectIdentifier),
		Amount:          amount,
	}, nil
}

// ReceiveUpload is the synchronous payment gate. Every check is hard: a
// failure aborts with no state change beyond the reported error, and a
// reference can be consumed exactly once.
func (h *Hosting) ReceiveUpload(ctx context.Context, referenceNumber, transactionHex string, file io.ReadSeeker) (*domain.UploadResult, error) {
	if h.shutdown.Load() {
		return nil, errors.New("service shutting down")
	}
	h.opWg.Add(1)
	defer h.opWg.Done()

	inv, err := h.db.GetInvoice(ctx, referenceNumber)
	if err != nil {
		metrics.UploadsGated.WithLabelValues("bad_reference").Inc()
		return nil, err
	}
	record, err := h.db.GetFile(ctx, inv.FileID)
	if err != nil {
		metrics.UploadsGated.WithLabelValues("bad_reference").Inc()
		return nil, err
	}
	if inv.Paid {
		metrics.UploadsGated.WithLabelValues("consumed").Inc()
		return nil, domain.ErrBadReference
	}

	// Hashing is pure: one streaming pass yields both the content
	// identifier and the authoritative byte count.
	contentURL, n, err := uhrp.URLForStream(file)
	if err != nil {
		metrics.UploadsGated.WithLabelValues("hash_failed").Inc()
		return nil, domain.ErrInternalUpload
	}
	metrics.BytesHashed.Add(float64(n))
	if n != record.FileSize {
		metrics.UploadsGated.WithLabelValues("size_mismatch").Inc()
		return nil, domain.ErrSizeMismatch
	}
	if err := h.verifier.Verify(ctx, transactionHex, inv.Amount); err != nil {
		metrics.UploadsGated.WithLabelValues("payment_invalid").Inc()
		return nil, err
	}

	paymentTxID := paymentID(transactionHex)
	if err := h.db.Claim(ctx, referenceNumber, paymentTxID); err != nil {
		metrics.UploadsGated.WithLabelValues("consumed").Inc()
		return nil, err
	}

	if _, err := file.Seek(0, io.SeekStart); err != nil {
		h.releaseClaim(referenceNumber)
		return nil, domain.ErrInternalUpload
	}
	if err := h.store.Put(ctx, inv.StoragePath, file, record.FileSize); err != nil {
		h.releaseClaim(referenceNumber)
		util.Error().Err(err).Str("key", inv.StoragePath).Msg("store upload failed")
		return nil, domain.ErrInternalUpload
	}

	ad, err := h.advertise(ctx, contentURL, record.ObjectIdentifier, record.FileSize, inv.RetentionMinutes)
	if err != nil {
		h.releaseClaim(referenceNumber)
		util.Error().Err(err).Str("object", record.ObjectIdentifier).Msg("advertisement failed")
		return nil, domain.ErrInternalUpload
	}
	if err := h.db.SetAdvertisementTxID(ctx, referenceNumber, ad.TxID); err != nil {
		// The broadcast already succeeded; the txid is recoverable from
		// the ledger, so log rather than fail the upload.
		util.Error().Err(err).Str("txid", ad.TxID).Msg("failed to record advertisement txid")
	}
	metrics.UploadsGated.WithLabelValues("published").Inc()
	util.Info().
		Str("object", record.ObjectIdentifier).
		Str("txid", ad.TxID).
		Int64("bytes", n).
		Msg("upload gated and advertised")
	return &domain.UploadResult{
		PublicURL: ad.PublicURL,
		Hash:      contentURL,
		TxID:      ad.TxID,
	}, nil
}

// Advertise builds and broadcasts an advertisement for an object already in
// the hosting area. retentionMinutes may be zero, in which case the window
// purchased on the object's invoice is used. Renewals go through the same
// path and supersede the previous broadcast.
func (h *Hosting) Advertise(ctx context.Context, contentURL, objectIdentifier string, fileSize, retentionMinutes int64) (*domain.Advertisement, error) {
	if h.shutdown.Load() {
		return nil, errors.New("service shutting down")
	}
	h.opWg.Add(1)
	defer h.opWg.Done()

	var referenceNumber string
	if inv, err := h.db.GetInvoiceByObject(ctx, objectIdentifier); err == nil {
		referenceNumber = inv.ReferenceNumber
		if retentionMinutes <= 0 {
			retentionMinutes = inv.RetentionMinutes
		}
	}
	if retentionMinutes <= 0 {
		return nil, domain.ErrNoRetentionPeriod
	}

	ad, err := h.advertise(ctx, contentURL, objectIdentifier, fileSize, retentionMinutes)
	if err != nil {
		return nil, err
	}
	if referenceNumber != "" {
		if err := h.db.SetAdvertisementTxID(ctx, referenceNumber, ad.TxID); err != nil {
			util.Error().Err(err).Str("txid", ad.TxID).Msg("failed to record advertisement txid")
		}
	}
	return ad, nil
}

// advertise is the shared build/broadcast/extend sequence. The invoice
// store is never locked while these outbound calls are in flight.
func (h *Hosting) advertise(ctx context.Context, contentURL, objectIdentifier string, fileSize, retentionMinutes int64) (*domain.Advertisement, error) {
	rec, err := h.builder.Build(contentURL, h.cfg.PublicURL(objectIdentifier), retentionMinutes, fileSize)
	if err != nil {
		return nil, errors.Wrap(err, "build advertisement")
	}
	txid, err := h.broadcast.Publish(ctx, rec, advertisementNote)
	if err != nil {
		return nil, errors.Wrap(err, "publish advertisement")
	}
	// The object must outlive the advertised window: push the reaping
	// marker past expiry by the configured safety margin.
	until := rec.ExpiryTime.Add(h.cfg.RetentionSafetyMargin)
	if err := h.store.ExtendRetention(ctx, h.cfg.ObjectKey(objectIdentifier), until); err != nil {
		util.Error().Err(err).
			Str("object", objectIdentifier).
			Time("until", until).
			Msg("failed to extend storage retention")
		return nil, errors.Wrap(err, "extend retention")
	}
	if h.adCache != nil {
		h.adCache.Set(ctx, objectIdentifier, contentURL, time.Until(rec.ExpiryTime))
	}
	util.Info().
		Str("object", objectIdentifier).
		Str("txid", txid).
		Time("expiry", rec.ExpiryTime).
		Msg("advertisement broadcast")
	return &domain.Advertisement{
		UHRPURL:       contentURL,
		PublicURL:     rec.URL,
		ExpiryTime:    rec.ExpiryTime,
		ContentLength: fileSize,
		Address:       rec.Address,
		TxID:          txid,
	}, nil
}

// RetrievalURL resolves a short-lived read URL for a hosted object.
func (h *Hosting) RetrievalURL(ctx context.Context, objectIdentifier string) (string, error) {
	return h.store.PresignGet(ctx, h.cfg.ObjectKey(objectIdentifier), 15*time.Minute)
}

func (h *Hosting) releaseClaim(referenceNumber string) {
	// Compensating update after a collaborator failure; use a fresh
	// context so a canceled request cannot strand a consumed invoice.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.db.Release(ctx, referenceNumber); err != nil {
		util.Error().Err(err).
			Str("reference", util.RedactToken(referenceNumber)).
			Msg("failed to release invoice claim")
	}
}

func paymentID(transactionHex string) string {
	raw, err := hex.DecodeString(transactionHex)
	if err != nil {
		return ""
	}
	return ledger.TxID(raw)
}
