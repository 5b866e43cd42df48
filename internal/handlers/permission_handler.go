package handlers

import (
	"context"
	"time"

	"github.com/asakaida/permgate/internal/services/permissions"
	"github.com/asakaida/permgate/pkg/cache"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/singleflight"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// InvalidationPublisher propagates shared store invalidations to other
// instances.
type InvalidationPublisher interface {
	Publish(ctx context.Context, target string) error
}

// PermissionHandlerConfig holds the collaborators of a PermissionHandler.
type PermissionHandlerConfig struct {
	ServiceURL   string
	Client       permissions.UpstreamClient
	Store        cache.Cache // nil disables the shared cache
	TTL          time.Duration
	StrictSchema bool
	Logger       hclog.Logger
	Observer     permissions.Observer
	Publisher    InvalidationPublisher // nil when invalidation sync is off
}

// PermissionHandler handles PermissionService gRPC requests
type PermissionHandler struct {
	serviceURL string
	client     permissions.UpstreamClient
	store      cache.Cache
	ttl        time.Duration
	strict     bool
	logger     hclog.Logger
	observer   permissions.Observer
	publisher  InvalidationPublisher
	group      singleflight.Group
}

var _ PermissionServiceServer = (*PermissionHandler)(nil)

// NewPermissionHandler creates a new PermissionHandler
func NewPermissionHandler(cfg PermissionHandlerConfig) *PermissionHandler {
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &PermissionHandler{
		serviceURL: cfg.ServiceURL,
		client:     cfg.Client,
		store:      cfg.Store,
		ttl:        cfg.TTL,
		strict:     cfg.StrictSchema,
		logger:     logger,
		observer:   cfg.Observer,
		publisher:  cfg.Publisher,
	}
}

// Evaluate handles the Evaluate RPC
func (h *PermissionHandler) Evaluate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	evalReq, err := evaluateRequestFromStruct(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	result, err := h.newEvaluator(evalReq.Principal, evalReq.Scope).Evaluate(ctx, evalReq)
	if err != nil {
		h.logger.Error("permission evaluation failed",
			"principal", evalReq.Principal,
			"scope", evalReq.Scope,
			"entity_types", evalReq.EntityTypes,
			"error", err)
		return nil, toStatus(err)
	}

	resp, err := resultToStruct(result)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode result: %v", err)
	}
	return resp, nil
}

// Invalidate handles the Invalidate RPC
func (h *PermissionHandler) Invalidate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if h.store == nil {
		return nil, status.Error(codes.FailedPrecondition, "shared cache is disabled")
	}

	target, err := invalidationTarget(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	switch {
	case target == "":
		err = h.store.Clear(ctx)
	case target[len(target)-1] == '/':
		err = h.store.DeletePrefix(ctx, target)
	default:
		err = h.store.Delete(ctx, target)
	}
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to invalidate: %v", err)
	}

	if h.publisher != nil {
		if err := h.publisher.Publish(ctx, target); err != nil {
			h.logger.Warn("failed to propagate invalidation", "target", target, "error", err)
			return nil, status.Errorf(codes.Unavailable, "invalidated locally but not propagated: %v", err)
		}
	}

	h.logger.Info("invalidated shared permissions", "target", target)
	return structpb.NewStruct(map[string]interface{}{"target": target})
}

// newEvaluator builds an Evaluator whose cache lives for one request and
// reads through to the shared store.
func (h *PermissionHandler) newEvaluator(principal, scope string) *permissions.Evaluator {
	cacheOpts := []permissions.CacheOption{permissions.WithTTL(h.ttl)}
	if h.store != nil {
		cacheOpts = append(cacheOpts, permissions.WithSharedStore(h.store, permissions.Namespace(principal, scope)))
	}

	opts := []permissions.Option{
		permissions.WithLogger(h.logger),
		permissions.WithFetchGroup(&h.group),
	}
	if h.observer != nil {
		opts = append(opts, permissions.WithObserver(h.observer))
	}
	if h.strict {
		opts = append(opts, permissions.WithStrictSchema())
	}

	return permissions.NewEvaluator(h.serviceURL, h.client, permissions.NewCache(cacheOpts...), opts...)
}
