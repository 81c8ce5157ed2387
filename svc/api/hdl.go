package api

import (
	"crypto/subtle"
	"encoding/json"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"nanohost/cfg"
	"nanohost/pkg/domain"
	"nanohost/svc/notify"
	"nanohost/svc/svc"
	"nanohost/svc/util"
)

const (
	maxQuoteBody    = 64 * 1024
	maxEventBody    = 256 * 1024
	multipartMemory = 32 << 20
)

type Hdl struct {
	hosting *svc.Hosting
	trigger *notify.Trigger
	cfg     *cfg.Cfg
}

// QuoteReq is the quote-phase body. The numeric fields arrive as
// json.Number so clients sending quoted decimals are not rejected before
// validation can name the field at fault.
type QuoteReq struct {
	FileSize        json.Number `json:"fileSize"`
	RetentionPeriod json.Number `json:"retentionPeriod"`
}
type QuoteResp struct {
	Status          string `json:"status"`
	ReferenceNumber string `json:"referenceNumber"`
	UploadURL       string `json:"uploadURL"`
	PublicURL       string `json:"publicURL"`
	Amount          int64  `json:"amount"`
}
type UploadResp struct {
	PublicURL string `json:"publicURL"`
	Hash      string `json:"hash"`
	Published bool   `json:"published"`
}
type AdvertiseReq struct {
	AdminToken       string      `json:"adminToken"`
	FileHash         string      `json:"fileHash"`
	ObjectIdentifier string      `json:"objectIdentifier"`
	FileSize         int64       `json:"fileSize"`
	RetentionPeriod  json.Number `json:"retentionPeriod"`
}
type AdvertiseResp struct {
	Status string `json:"status"`
	TxID   string `json:"txid,omitempty"`
}

// Upload serves both phases of the hosting flow on one route: a JSON body
// requests a quote, a multipart body is the direct payment-gated upload.
func (h *Hdl) Upload(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	switch {
	case mediaType == "application/json":
		h.quote(w, r)
	case strings.HasPrefix(mediaType, "multipart/"):
		h.directUpload(w, r)
	default:
		hlog.FromRequest(r).Warn().
			Str("content_type", mediaType).
			Str("request_id", requestID).
			Msg("unsupported upload content type")
		w.WriteHeader(http.StatusUnsupportedMediaType)
		json.NewEncoder(w).Encode(domain.ToResp(domain.ErrInvalidRequest))
	}
}

func (h *Hdl) quote(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	r.Body = http.MaxBytesReader(w, r.Body, maxQuoteBody)
	var req QuoteReq
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		log.Warn().Err(err).Msg("invalid quote request body")
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	fileSize, err := req.FileSize.Int64()
	if req.FileSize.String() == "" || err != nil {
		log.Warn().Str("file_size", req.FileSize.String()).Msg("quote missing or non-integer file size")
		writeErr(w, domain.ErrInvalidSize, requestID)
		return
	}
	if req.RetentionPeriod.String() == "" {
		log.Warn().Msg("quote missing retention period")
		writeErr(w, domain.ErrNoRetentionPeriod, requestID)
		return
	}
	retention, err := req.RetentionPeriod.Int64()
	if err != nil {
		log.Warn().Str("retention", req.RetentionPeriod.String()).Msg("non-integer retention period")
		writeErr(w, domain.ErrInvalidRetentionPeriod, requestID)
		return
	}

	quote, err := h.hosting.Authorize(r.Context(), fileSize, retention)
	if err != nil {
		if domain.Status(err) < 500 {
			writeErr(w, err, requestID)
			return
		}
		log.Error().Err(err).Msg("quote failed")
		writeErr(w, domain.ErrInternalUpload, requestID)
		return
	}
	log.Info().
		Str("reference", util.RedactToken(quote.ReferenceNumber)).
		Int64("amount", quote.Amount).
		Msg("quote issued")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(QuoteResp{
		Status:          "success",
		ReferenceNumber: quote.ReferenceNumber,
		UploadURL:       quote.UploadURL,
		PublicURL:       quote.PublicURL,
		Amount:          quote.Amount,
	})
}

func (h *Hdl) directUpload(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxFileSize+multipartMemory)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		log.Warn().Err(err).Msg("malformed multipart upload")
		writeErr(w, domain.ErrFileMissing, requestID)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, _, err := r.FormFile("file")
	if err != nil {
		writeErr(w, domain.ErrFileMissing, requestID)
		return
	}
	defer file.Close()
	referenceNumber := r.FormValue("referenceNumber")
	if referenceNumber == "" {
		writeErr(w, domain.ErrNoReference, requestID)
		return
	}
	transactionHex := r.FormValue("transactionHex")
	if transactionHex == "" {
		writeErr(w, domain.ErrNoTransaction, requestID)
		return
	}

	result, err := h.hosting.ReceiveUpload(r.Context(), referenceNumber, transactionHex, file)
	if err != nil {
		if domain.Status(err) < 500 {
			log.Warn().Err(err).
				Str("reference", util.RedactToken(referenceNumber)).
				Msg("upload rejected")
			writeErr(w, err, requestID)
			return
		}
		log.Error().Err(err).
			Str("reference", util.RedactToken(referenceNumber)).
			Msg("upload failed")
		writeErr(w, domain.ErrInternalUpload, requestID)
		return
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(UploadResp{
		PublicURL: result.PublicURL,
		Hash:      result.Hash,
		Published: true,
	})
}

// Advertise is the admin-only broadcast endpoint. The token check comes
// before any collaborator call so a bad token never touches the ledger.
func (h *Hdl) Advertise(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	r.Body = http.MaxBytesReader(w, r.Body, maxQuoteBody)
	var req AdvertiseReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Warn().Err(err).Msg("invalid advertise request body")
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	configured := h.cfg.AdminToken.Value()
	if configured == "" ||
		subtle.ConstantTimeCompare([]byte(req.AdminToken), []byte(configured)) != 1 {
		log.Warn().
			Str("ip", util.RedactIP(r.RemoteAddr)).
			Msg("advertise rejected, bad admin token")
		writeErr(w, domain.ErrUnauthorized, requestID)
		return
	}
	if req.FileHash == "" || req.ObjectIdentifier == "" {
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	retention, _ := req.RetentionPeriod.Int64()

	ad, err := h.hosting.Advertise(r.Context(), req.FileHash, req.ObjectIdentifier, req.FileSize, retention)
	if err != nil {
		if domain.Status(err) < 500 {
			writeErr(w, err, requestID)
			return
		}
		log.Error().Err(err).
			Str("object", req.ObjectIdentifier).
			Msg("advertise failed")
		writeErr(w, domain.ErrInternal, requestID)
		return
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(AdvertiseResp{Status: "success", TxID: ad.TxID})
}

// StorageEvent ingests a bucket change notification. Objects outside the
// hosting prefix acknowledge with 200 so the notifier does not redeliver.
func (h *Hdl) StorageEvent(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	r.Body = http.MaxBytesReader(w, r.Body, maxEventBody)
	var ev notify.StorageEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		log.Warn().Err(err).Msg("invalid storage event body")
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	if err := h.trigger.Handle(r.Context(), ev); err != nil {
		log.Error().Err(err).Str("name", ev.Name).Msg("storage event failed")
		writeErr(w, domain.ErrInternal, requestID)
		return
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "success"})
}

// Serve redirects a public hosting URL to a short-lived read URL on the
// object store.
func (h *Hdl) Serve(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	objectIdentifier := chi.URLParam(r, "objectIdentifier")
	if objectIdentifier == "" {
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	url, err := h.hosting.RetrievalURL(r.Context(), objectIdentifier)
	if err != nil {
		log.Error().Err(err).Str("object", objectIdentifier).Msg("presign read failed")
		writeErr(w, domain.ErrInternal, requestID)
		return
	}
	http.Redirect(w, r, url, http.StatusTemporaryRedirect)
}

func writeErr(w http.ResponseWriter, err error, requestID string) {
	statusCode := domain.Status(err)
	if statusCode >= 500 {
		util.Error().
			Err(err).
			Str("request_id", requestID).
			Msg("internal error with detailed info")
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(domain.ToResp(err))
}
