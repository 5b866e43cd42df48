package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/asakaida/permgate/internal/services/permissions"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// === Request decoding ===

func stringField(s *structpb.Struct, name string) (string, error) {
	v, ok := s.GetFields()[name]
	if !ok {
		return "", nil
	}
	switch v.Kind.(type) {
	case *structpb.Value_NullValue:
		return "", nil
	case *structpb.Value_StringValue:
		return v.GetStringValue(), nil
	default:
		return "", fmt.Errorf("%s must be a string", name)
	}
}

func stringListField(s *structpb.Struct, name string) ([]string, error) {
	v, ok := s.GetFields()[name]
	if !ok {
		return nil, nil
	}
	if _, isNull := v.Kind.(*structpb.Value_NullValue); isNull {
		return nil, nil
	}
	list := v.GetListValue()
	if list == nil {
		return nil, fmt.Errorf("%s must be a list of strings", name)
	}

	out := make([]string, 0, len(list.GetValues()))
	for i, item := range list.GetValues() {
		str, ok := item.Kind.(*structpb.Value_StringValue)
		if !ok {
			return nil, fmt.Errorf("%s[%d] must be a string", name, i)
		}
		out = append(out, str.StringValue)
	}
	return out, nil
}

func headersField(s *structpb.Struct, name string) (http.Header, error) {
	v, ok := s.GetFields()[name]
	if !ok {
		return nil, nil
	}
	if _, isNull := v.Kind.(*structpb.Value_NullValue); isNull {
		return nil, nil
	}
	obj := v.GetStructValue()
	if obj == nil {
		return nil, fmt.Errorf("%s must be an object", name)
	}
	headers, err := permissions.HeadersFromMap(obj.AsMap())
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", name, err)
	}
	return headers, nil
}

func evaluateRequestFromStruct(s *structpb.Struct) (*permissions.Request, error) {
	principal, err := stringField(s, "principal")
	if err != nil {
		return nil, err
	}
	if principal == "" {
		return nil, errors.New("principal is required")
	}
	scope, err := stringField(s, "scope")
	if err != nil {
		return nil, err
	}
	if scope == "" {
		return nil, errors.New("scope is required")
	}
	entityTypes, err := stringListField(s, "entityTypes")
	if err != nil {
		return nil, err
	}
	actions, err := stringListField(s, "actions")
	if err != nil {
		return nil, err
	}
	headers, err := headersField(s, "headers")
	if err != nil {
		return nil, err
	}

	return &permissions.Request{
		Principal:   principal,
		Scope:       scope,
		EntityTypes: entityTypes,
		Actions:     actions,
		Headers:     headers,
	}, nil
}

// invalidationTarget resolves an Invalidate request into a shared store
// target: an exact key, a key prefix ending in "/", or "" for everything.
func invalidationTarget(s *structpb.Struct) (string, error) {
	principal, err := stringField(s, "principal")
	if err != nil {
		return "", err
	}
	scope, err := stringField(s, "scope")
	if err != nil {
		return "", err
	}
	entityType, err := stringField(s, "entityType")
	if err != nil {
		return "", err
	}

	switch {
	case entityType != "":
		if principal == "" || scope == "" {
			return "", errors.New("entityType requires principal and scope")
		}
		return permissions.SharedKey(permissions.Namespace(principal, scope), entityType), nil
	case scope != "":
		if principal == "" {
			return "", errors.New("scope requires principal")
		}
		return permissions.Namespace(principal, scope) + "/", nil
	case principal != "":
		return permissions.PrincipalPrefix(principal), nil
	default:
		return "", nil
	}
}

// === Response encoding ===

func resultToStruct(r *permissions.Result) (*structpb.Struct, error) {
	out := map[string]interface{}{"isPermitted": r.IsPermitted}
	if !r.IsPermitted {
		return structpb.NewStruct(out)
	}

	filters := make(map[string]interface{}, len(r.DigitalFilters))
	for entityType, byAction := range r.DigitalFilters {
		actions := make(map[string]interface{}, len(byAction))
		for action, raw := range byAction {
			v, err := rawToInterface(raw)
			if err != nil {
				return nil, fmt.Errorf("digital filter %s.%s: %w", entityType, action, err)
			}
			actions[action] = v
		}
		filters[entityType] = actions
	}
	out["digitalFilters"] = filters

	headers := make(map[string]interface{}, len(r.ResponseHeaders))
	for name, values := range r.ResponseHeaders {
		list := make([]interface{}, len(values))
		for i, v := range values {
			list[i] = v
		}
		headers[name] = list
	}
	out["responseHeaders"] = headers

	portal := make(map[string]interface{}, len(r.PortalData))
	for entityType, raw := range r.PortalData {
		v, err := rawToInterface(raw)
		if err != nil {
			return nil, fmt.Errorf("portal data %s: %w", entityType, err)
		}
		portal[entityType] = v
	}
	out["portalData"] = portal

	return structpb.NewStruct(out)
}

func rawToInterface(raw json.RawMessage) (interface{}, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// === Error mapping ===

// toStatus maps evaluation errors to gRPC status errors.
func toStatus(err error) error {
	var upstreamErr *permissions.UpstreamError
	var malformedErr *permissions.MalformedResponseError
	var urlErr *url.Error

	switch {
	case errors.Is(err, permissions.ErrConfiguration):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.As(err, &upstreamErr):
		return status.Error(codes.Unavailable, err.Error())
	case errors.As(err, &malformedErr):
		return status.Error(codes.DataLoss, err.Error())
	case errors.As(err, &urlErr):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Errorf(codes.Internal, "evaluation failed: %v", err)
	}
}
