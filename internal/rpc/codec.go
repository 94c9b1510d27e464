// Package rpc holds the gRPC plumbing shared by the server and outbound
// clients: a JSON wire codec and error translation.
package rpc

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"

	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/errors"
)

// CodecName is the content subtype ("application/grpc+json").
const CodecName = "json"

// Codec marshals gRPC messages as JSON so plain Go structs can travel
// without generated stubs.
type Codec struct{}

func (Codec) Marshal(v any) ([]byte, error) {
	if raw, ok := v.(*json.RawMessage); ok {
		return *raw, nil
	}
	return json.Marshal(v)
}

func (Codec) Unmarshal(data []byte, v any) error {
	if raw, ok := v.(*json.RawMessage); ok {
		*raw = append((*raw)[:0], data...)
		return nil
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	return nil
}

func (Codec) Name() string { return CodecName }

func init() {
	encoding.RegisterCodec(Codec{})
}

// ToStatus converts a service error into a gRPC status error carrying the
// service error code in its message prefix.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	var e *errors.Error
	if errors.As(err, &e) {
		return status.Error(errors.GRPCCode(err), err.Error())
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codes.Internal, err.Error())
}

// FromStatus converts a gRPC status error from a peer into a service error.
func FromStatus(err error, resource, id string) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return errors.Wrap(err, errors.ErrCodeInternal, "rpc failed")
	}
	switch st.Code() {
	case codes.NotFound:
		return errors.NotFound(resource, id)
	case codes.Unavailable, codes.DeadlineExceeded:
		return errors.Connectivity(err, fmt.Sprintf("%s service unavailable", resource))
	case codes.Unauthenticated:
		return errors.Wrap(err, errors.ErrCodeUnauthorized, st.Message())
	case codes.PermissionDenied:
		return errors.Authority(st.Message(), nil)
	case codes.InvalidArgument:
		return errors.Wrap(err, errors.ErrCodeValidation, st.Message())
	default:
		return errors.Wrap(err, errors.ErrCodeInternal, st.Message())
	}
}
