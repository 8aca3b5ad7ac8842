// Package perimeter is the ingress other hosts post transfers to.
package perimeter

import (
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"time"

	"github.com/didip/tollbooth/v7"
	"github.com/didip/tollbooth/v7/limiter"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/mickamy/peertransit"
	"github.com/mickamy/peertransit/keys"
	"github.com/mickamy/peertransit/wire"
)

// Tenants finds the inbox of a local identity. *peertransit.Supervisor implements it.
type Tenants interface {
	Inbox(identity string) (peertransit.Store, peertransit.Pulser, bool)
}

// Keyrings returns the transit keyrings of a local identity. *keys.Keyrings implements it.
type Keyrings interface {
	// Get returns the published keyring.
	Get(identity string) (*keys.Keyring, error)
	// Find returns the current or a retired keyring by public key crc.
	Find(identity string, crc uint32) (*keys.Keyring, error)
}

// RateLimit enables per-client rate limiting when RequestsPerSecond is positive.
type RateLimit struct {
	RequestsPerSecond float64
	Burst             int
	CleanupInterval   time.Duration
}

type Options struct {
	Tenants  Tenants
	Keyrings Keyrings
	// ACL decides whether a sender may write to a tenant. Nil accepts every sender.
	ACL peertransit.ACL
	// InboundACL is checked with ACL.CallerHasPermission for every sender.
	InboundACL   peertransit.AccessControlList
	RateLimit    RateLimit
	MaxBodyBytes int64
	Now          func() time.Time
}

func (o *Options) setDefaults() {
	if o.InboundACL.RequiredSecurityGroup == "" {
		o.InboundACL.RequiredSecurityGroup = "connected"
	}
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = 64 << 20
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Server serves the perimeter routes.
type Server struct {
	opts   Options
	router *gin.Engine
}

func New(opts Options) *Server {
	opts.setDefaults()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), otelgin.Middleware("peertransit-perimeter"), requestLogger(), rateLimit(opts.RateLimit))

	s := &Server{opts: opts, router: r}
	r.POST(wire.FilesPath, s.ReceiveTransfer)
	r.GET(wire.KeysPath, s.GetTransitKey)
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "UP"})
	})
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logrus.WithFields(logrus.Fields{
			"method":         c.Request.Method,
			"path":           c.Request.URL.Path,
			"status":         c.Writer.Status(),
			"host":           c.Request.Host,
			"latency":        time.Since(start),
			"correlation_id": c.GetHeader(wire.CorrelationHeader),
		}).Info("perimeter request")
	}
}

func rateLimit(conf RateLimit) gin.HandlerFunc {
	if conf.RequestsPerSecond <= 0 {
		return func(c *gin.Context) {
			c.Next()
		}
	}
	ttl := conf.CleanupInterval
	if ttl <= 0 {
		ttl = time.Hour
	}
	lmt := tollbooth.NewLimiter(conf.RequestsPerSecond, &limiter.ExpirableOptions{
		DefaultExpirationTTL: ttl,
	})
	if conf.Burst > 0 {
		lmt.SetBurst(conf.Burst)
	}
	return func(c *gin.Context) {
		httpError := tollbooth.LimitByRequest(lmt, c.Writer, c.Request)
		if httpError != nil {
			c.AbortWithStatusJSON(httpError.StatusCode, gin.H{"error": httpError.Message})
			return
		}
		c.Next()
	}
}

func reject(c *gin.Context, code wire.ResponseCode, message string) {
	c.AbortWithStatusJSON(code.HTTPStatus(), wire.Response{Code: code, Message: message})
}

// ReceiveTransfer persists an incoming transfer into the recipient's inbox.
func (s *Server) ReceiveTransfer(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.opts.MaxBodyBytes)
	if err := c.Request.ParseMultipartForm(8 << 20); err != nil {
		reject(c, wire.CodeRejectedMalformed, "expected a multipart transfer")
		return
	}
	form := c.Request.MultipartForm
	defer func(form *multipart.Form) { _ = form.RemoveAll() }(form)

	var header wire.TransferKeyHeader
	if err := json.Unmarshal([]byte(firstValue(form, wire.PartHeader)), &header); err != nil {
		reject(c, wire.CodeRejectedMalformed, "header part is not valid json")
		return
	}
	if err := header.Validate(); err != nil {
		reject(c, wire.CodeRejectedMalformed, err.Error())
		return
	}
	rawMetadata := firstValue(form, wire.PartMetadata)
	var metadata wire.Metadata
	if err := json.Unmarshal([]byte(rawMetadata), &metadata); err != nil {
		reject(c, wire.CodeRejectedMalformed, "metadata part is not valid json")
		return
	}

	tenant := peertransit.NormalizeIdentity(header.RecipientIdentity)
	if tenant == "" {
		tenant = hostIdentity(c.Request)
	}
	store, pulser, ok := s.opts.Tenants.Inbox(tenant)
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, wire.Response{Code: wire.CodeRejectedMalformed, Message: "unknown recipient"})
		return
	}
	// SenderIdentity is taken as asserted. Proving the caller owns it (mutual TLS or a signed
	// request) belongs to the ingress in front of this server; the ACL only decides what a
	// named sender may do.
	sender := peertransit.NormalizeIdentity(header.SenderIdentity)
	log := logrus.WithFields(logrus.Fields{"tenant": tenant, "sender": sender, "gtid": header.GlobalTransitID})

	if s.opts.ACL != nil {
		allowed, err := s.opts.ACL.CallerHasPermission(c, tenant, sender, s.opts.InboundACL)
		if err != nil {
			log.WithError(err).Error("acl check failed")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "acl check failed"})
			return
		}
		if !allowed {
			reject(c, wire.CodeRejectedAccessDenied, "sender may not write to this identity")
			return
		}
	}

	if !header.Unencrypted && len(header.EncryptedKeyHeader) > 0 {
		if err := s.checkKey(tenant, header); err != nil {
			log.WithError(err).Info("transfer sealed with a stale key")
			reject(c, wire.CodeRejectedInvalidKey, err.Error())
			return
		}
	}

	payloads, err := readPayloads(form, metadata)
	if err != nil {
		reject(c, wire.CodeRejectedMalformed, err.Error())
		return
	}

	receipt := wire.NewReceiptID()
	transfer := peertransit.IncomingTransfer{
		ReceiptID:          receipt,
		Sender:             sender,
		GlobalTransitID:    header.GlobalTransitID,
		TargetDrive:        header.DriveID,
		Kind:               header.Kind,
		EncryptedKeyHeader: header.EncryptedKeyHeader,
		PublicKeyCRC:       header.PublicKeyCRC,
		Metadata:           []byte(rawMetadata),
		Payloads:           payloads,
		ReceivedAt:         s.opts.Now().UTC(),
	}
	item, err := peertransit.NewItem(tenant, header.InboxFile(receipt), sender, peertransit.KindInboxTransfer, transfer)
	if err != nil {
		reject(c, wire.CodeRejectedMalformed, err.Error())
		return
	}
	item.CorrelationID = c.GetHeader(wire.CorrelationHeader)
	if err := store.Enqueue(c, nil, item); err != nil {
		log.WithError(err).Error("failed to persist incoming transfer")
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "inbox unavailable"})
		return
	}
	pulser.Pulse()

	c.JSON(http.StatusOK, wire.Response{Code: wire.CodeAcceptedIntoInbox})
}

var errStaleKey = errors.New("transfer was sealed with a key this identity does not hold")

func (s *Server) checkKey(tenant string, header wire.TransferKeyHeader) error {
	if s.opts.Keyrings == nil {
		return nil
	}
	ring, err := s.opts.Keyrings.Find(tenant, header.PublicKeyCRC)
	if errors.Is(err, keys.ErrInvalidKey) {
		return errStaleKey
	}
	if err != nil {
		return err
	}
	if _, err := ring.Open(header.EncryptedKeyHeader); err != nil {
		return err
	}
	return nil
}

// GetTransitKey serves the public transit key of the identity addressed by Host.
func (s *Server) GetTransitKey(c *gin.Context) {
	tenant := hostIdentity(c.Request)
	if s.opts.Keyrings == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no keyrings configured"})
		return
	}
	ring, err := s.opts.Keyrings.Get(tenant)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	pub := ring.PublicKey()
	c.JSON(http.StatusOK, wire.PublicKeyResponse{PublicKey: pub.Key, CRC: pub.CRC, ExpiresAt: pub.ExpiresAt})
}

func hostIdentity(r *http.Request) string {
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return peertransit.NormalizeIdentity(host)
}

func firstValue(form *multipart.Form, name string) string {
	if vs := form.Value[name]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

func readPayloads(form *multipart.Form, metadata wire.Metadata) ([]peertransit.IncomingPayload, error) {
	contentTypes := make(map[string]string, len(metadata.Payloads))
	for _, p := range metadata.Payloads {
		contentTypes[p.Key] = p.ContentType
	}
	var out []peertransit.IncomingPayload
	for _, fh := range form.File[wire.PartPayload] {
		f, err := fh.Open()
		if err != nil {
			return nil, err
		}
		data, err := io.ReadAll(f)
		_ = f.Close()
		if err != nil {
			return nil, err
		}
		ct := contentTypes[fh.Filename]
		if ct == "" {
			ct = fh.Header.Get("Content-Type")
		}
		out = append(out, peertransit.IncomingPayload{Key: fh.Filename, ContentType: ct, Data: data})
	}
	return out, nil
}
