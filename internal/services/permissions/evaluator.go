package permissions

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/singleflight"
)

// Observer receives one call per upstream request. statusCode is zero when
// the request failed before a response arrived.
type Observer interface {
	ObserveUpstream(entityType string, statusCode int, elapsed time.Duration, err error)
}

// Evaluator answers whether a principal may perform actions on entity
// types by consulting the permissions service through a Cache.
type Evaluator struct {
	serviceURL string
	client     UpstreamClient
	cache      *Cache
	group      *singleflight.Group
	logger     hclog.Logger
	observer   Observer
	strict     bool
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithLogger sets the structured logger.
func WithLogger(l hclog.Logger) Option { return func(e *Evaluator) { e.logger = l } }

// WithObserver sets the upstream call observer.
func WithObserver(o Observer) Option { return func(e *Evaluator) { e.observer = o } }

// WithStrictSchema makes a missing entity type or actions object in a 200
// response a MalformedResponseError instead of an empty grant.
func WithStrictSchema() Option { return func(e *Evaluator) { e.strict = true } }

// WithFetchGroup shares in-flight upstream fetches between evaluators.
// Concurrent fetches with the same URL and headers issue one request.
func WithFetchGroup(g *singleflight.Group) Option { return func(e *Evaluator) { e.group = g } }

// NewEvaluator creates an Evaluator. A nil cache gets a fresh Cache.
func NewEvaluator(serviceURL string, client UpstreamClient, cache *Cache, opts ...Option) *Evaluator {
	if cache == nil {
		cache = NewCache()
	}
	e := &Evaluator{
		serviceURL: serviceURL,
		client:     client,
		cache:      cache,
		group:      &singleflight.Group{},
		logger:     hclog.NewNullLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Cache returns the cache the evaluator reads and fills.
func (e *Evaluator) Cache() *Cache { return e.cache }

// Evaluate checks that every action is permitted on every entity type.
// Entity types are checked in order and the first denial stops the
// evaluation; later types are not fetched. Errors mean the decision could
// not be made and never come with a partial result.
func (e *Evaluator) Evaluate(ctx context.Context, req *Request) (*Result, error) {
	if e.serviceURL == "" {
		return nil, ErrConfiguration
	}
	if req == nil || len(req.EntityTypes) == 0 || len(req.Actions) == 0 {
		return &Result{IsPermitted: false}, nil
	}

	for _, entityType := range req.EntityTypes {
		permitted, err := e.checkEntityType(ctx, req, entityType)
		if err != nil {
			return nil, err
		}
		if !permitted {
			return &Result{IsPermitted: false}, nil
		}
	}

	// Headers are assumed identical across entity types, so only the first is surfaced.
	headers, _ := e.cache.CachedHeaders(req.EntityTypes[0])
	return &Result{
		IsPermitted:     true,
		DigitalFilters:  e.cache.DigitalFilters(req.EntityTypes),
		ResponseHeaders: headers,
		PortalData:      e.cache.PortalData(req.EntityTypes),
	}, nil
}

func (e *Evaluator) checkEntityType(ctx context.Context, req *Request, entityType string) (bool, error) {
	if !e.cache.Load(ctx, entityType) {
		entry, err := e.fetch(ctx, req, entityType)
		if err != nil {
			return false, err
		}
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if err := e.cache.Put(ctx, entityType, entry); err != nil {
			e.logger.Warn("failed to share permissions entry", "entity_type", entityType, "error", err)
		}
	}

	permitted, ok := e.cache.PermittedActions(entityType)
	if !ok {
		return false, nil
	}
	return permitted.HasAll(req.Actions), nil
}

// fetch retrieves entityType from the permissions service, joining an
// identical in-flight request if there is one. The shared request is detached
// from the cancellation of whichever caller started it, so one caller giving
// up does not fail the others; it is bounded by the client timeout instead.
// Each caller still stops waiting when its own ctx is done.
func (e *Evaluator) fetch(ctx context.Context, req *Request, entityType string) (*Entry, error) {
	requestURL := e.requestURL(req.Principal, req.Scope, entityType)
	key := requestURL + "#" + headerFingerprint(req.Headers)
	fetchCtx := context.WithoutCancel(ctx)

	ch := e.group.DoChan(key, func() (interface{}, error) {
		return e.fetchEntry(fetchCtx, requestURL, entityType, req.Headers)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Entry).clone(), nil
	}
}

func (e *Evaluator) fetchEntry(ctx context.Context, requestURL, entityType string, headers http.Header) (*Entry, error) {
	start := time.Now()
	e.logger.Info("sending request to external permissions service",
		"destination", e.serviceURL,
		"url", requestURL,
		"headers", headerNames(headers))

	resp, err := e.client.Get(ctx, requestURL, headers)
	elapsed := time.Since(start)
	if err != nil {
		e.observe(entityType, 0, elapsed, err)
		return nil, fmt.Errorf("permissions: request for entity type %q: %w", entityType, err)
	}

	e.logger.Info("finished request to external permissions service",
		"url", requestURL,
		"status", resp.StatusCode,
		"headers", headerNames(resp.Header),
		"elapsed", elapsed)

	if resp.StatusCode != http.StatusOK {
		err := &UpstreamError{StatusCode: resp.StatusCode, EntityType: entityType, URL: requestURL}
		e.observe(entityType, resp.StatusCode, elapsed, err)
		return nil, err
	}

	entry, err := parseResponse(resp.Body, entityType, e.strict)
	e.observe(entityType, resp.StatusCode, elapsed, err)
	if err != nil {
		return nil, err
	}
	entry.ResponseHeaders = resp.Header.Clone()
	return entry, nil
}

func (e *Evaluator) observe(entityType string, status int, elapsed time.Duration, err error) {
	if e.observer != nil {
		e.observer.ObserveUpstream(entityType, status, elapsed, err)
	}
}

// requestURL builds {serviceURL}/user/permissions/{principal}/{scope}/{entityType}.
func (e *Evaluator) requestURL(principal, scope, entityType string) string {
	return strings.TrimRight(e.serviceURL, "/") + "/user/permissions/" +
		url.PathEscape(principal) + "/" +
		url.PathEscape(scope) + "/" +
		url.PathEscape(entityType)
}

// headerFingerprint hashes header names and values so that requests made
// with different credentials never share a fetch.
func headerFingerprint(h http.Header) string {
	if len(h) == 0 {
		return ""
	}
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)

	sum := sha256.New()
	for _, name := range names {
		sum.Write([]byte(name))
		sum.Write([]byte{0})
		for _, v := range h[name] {
			sum.Write([]byte(v))
			sum.Write([]byte{0})
		}
		sum.Write([]byte{1})
	}
	return hex.EncodeToString(sum.Sum(nil))
}

func headerNames(h http.Header) []string {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
