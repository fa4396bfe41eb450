package app

import (
	"go.uber.org/zap"

	"attendsync/internal/attendance"
	"attendsync/internal/catalog"
	"attendsync/internal/config"
	"attendsync/internal/handler"
	"attendsync/internal/metrics"
	"attendsync/internal/qrsession"
	"attendsync/internal/syncdelta"
)

// Services are the domain components built on a set of backends.
type Services struct {
	Catalog  catalog.Reader
	Registry *catalog.Registry
	QR       *qrsession.Manager
	Signer   *qrsession.Signer
	Ingest   *attendance.Service
	Resolver *attendance.Resolver
	Sync     *syncdelta.Engine
}

// NewServices wires the domain components. m may be nil.
func NewServices(cfg config.App, b *Backends, logger *zap.Logger, m *metrics.Metrics) *Services {
	reader := catalog.NewCached(b.Catalog, cfg.CatalogCacheTTL)
	qr := qrsession.NewManager(b.Sessions, b.Locks, cfg.Policies.QR,
		qrsession.WithLogger(logger), qrsession.WithMetrics(m))
	signer := qrsession.NewSigner([]byte(cfg.QRSigningKey), cfg.JWTIssuer, cfg.QRImageSize)

	ingest := attendance.NewService(attendance.Deps{
		Store:    b.Records,
		Catalog:  reader,
		QR:       qr,
		Tokens:   signer,
		Locks:    b.Locks,
		Versions: b.Versions,
		Events:   b.Queue,
		Batches:  b.Batches,
		Logger:   logger,
		Metrics:  m,
	}, cfg.Policies.Ingest)
	engine := syncdelta.NewEngine(reader, b.Records, b.Versions, b.Cursors,
		syncdelta.WithLogger(logger), syncdelta.WithMetrics(m), syncdelta.WithStats(ingest))

	return &Services{
		Catalog:  reader,
		Registry: catalog.NewRegistry(b.Catalog, b.Versions, logger),
		QR:       qr,
		Signer:   signer,
		Ingest:   ingest,
		Resolver: attendance.NewResolver(b.Records, b.Locks, b.Versions, b.Queue, logger, m),
		Sync:     engine,
	}
}

// Handler exposes the services over HTTP.
func (s *Services) Handler(logger *zap.Logger) *handler.Handler {
	return handler.New(handler.Deps{
		QR:       s.QR,
		Signer:   s.Signer,
		Catalog:  s.Catalog,
		Registry: s.Registry,
		Ingest:   s.Ingest,
		Resolver: s.Resolver,
		Sync:     s.Sync,
		Logger:   logger,
	})
}
