package quakeflow

import (
	broadcastpkg "github.com/quakeflow/quakeflow/internal/broadcast"
	comparepkg "github.com/quakeflow/quakeflow/internal/compare"
	configpkg "github.com/quakeflow/quakeflow/internal/config"
	correlatepkg "github.com/quakeflow/quakeflow/internal/correlate"
	idspkg "github.com/quakeflow/quakeflow/internal/ids"
	"github.com/quakeflow/quakeflow/internal/jsoncodec"
	loggingpkg "github.com/quakeflow/quakeflow/internal/logging"
	runtimepkg "github.com/quakeflow/quakeflow/internal/runtime"
	schemapkg "github.com/quakeflow/quakeflow/internal/schema"
	storepkg "github.com/quakeflow/quakeflow/internal/store"
	transportpkg "github.com/quakeflow/quakeflow/transport"
)

type (
	Config       = configpkg.Config
	Service      = runtimepkg.Service
	Dependencies = runtimepkg.Dependencies

	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration
	RetryMiddlewareConfig  = runtimepkg.RetryMiddlewareConfig
	Metrics                = runtimepkg.Metrics

	Station           = schemapkg.Station
	WaveformMessage   = schemapkg.WaveformMessage
	WaveformPayload   = schemapkg.WaveformPayload
	WaveformEnvelope  = schemapkg.WaveformEnvelope
	Pick              = schemapkg.Pick
	DetectionRecord   = schemapkg.DetectionRecord
	DetectionEnvelope = schemapkg.DetectionEnvelope
	ComparisonSummary = schemapkg.ComparisonSummary

	CorrelationCache = correlatepkg.Cache
	CorrelationGroup = correlatepkg.Group
	CacheOption      = correlatepkg.Option
	EvictFunc        = correlatepkg.EvictFunc

	BroadcastManager = broadcastpkg.Manager
	BroadcastSink    = broadcastpkg.Sink

	Store           = storepkg.Store
	StoredDetection = storepkg.Record
	DetectionFilter = storepkg.Filter
	ComparisonStats = storepkg.ComparisonStats
	RecentStats     = storepkg.RecentStats

	Transport             = transportpkg.Transport
	TransportBuilder      = transportpkg.Builder
	TransportConfig       = transportpkg.Config
	TransportRegistry     = transportpkg.Registry
	TransportCapabilities = transportpkg.Capabilities

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger
)

var (
	NewService = runtimepkg.NewService
	FromEnv    = configpkg.FromEnv

	Compare = comparepkg.Compare

	NewCorrelationCache = correlatepkg.NewCache
	WithEvictFunc       = correlatepkg.WithEvictFunc

	NewBroadcastManager = broadcastpkg.NewManager
	SSEHandler          = broadcastpkg.SSEHandler

	OpenStore         = storepkg.Open
	OpenPostgresStore = storepkg.OpenPostgres
	OpenSQLiteStore   = storepkg.OpenSQLite

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware = runtimepkg.CorrelationIDMiddleware
	LogMessagesMiddleware   = runtimepkg.LogMessagesMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	RouterMetricsMiddleware = runtimepkg.RouterMetricsMiddleware
	RetryMiddleware         = runtimepkg.RetryMiddleware
	RecovererMiddleware     = runtimepkg.RecovererMiddleware

	DefaultTransportRegistry = transportpkg.DefaultRegistry
	RegisterTransport        = transportpkg.Register
	BuildTransport           = transportpkg.Build

	TruncateSamples        = schemapkg.TruncateSamples
	NewWaveformEnvelope    = schemapkg.NewWaveformEnvelope
	NewDetectionEnvelope   = schemapkg.NewDetectionEnvelope
	ComputeComparisonStats = storepkg.ComputeComparisonStats
	ComputeRecentStats     = storepkg.ComputeRecentStats

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger

	CreateULID = idspkg.CreateULID
)

const (
	TopicWaveforms  = broadcastpkg.TopicWaveforms
	TopicDetections = broadcastpkg.TopicDetections

	EnvelopeTypeWaveform  = schemapkg.EnvelopeTypeWaveform
	EnvelopeTypeDetection = schemapkg.EnvelopeTypeDetection

	DefaultMaxRelaySamples = schemapkg.DefaultMaxRelaySamples
	DefaultCacheTTL        = correlatepkg.DefaultTTL
)
