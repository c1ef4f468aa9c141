package serve

import "context"

// InferenceRuntime is the narrow contract the control plane assumes from the
// concrete inference backend (ONNX, PyTorch, ...). Infer is invoked repeatedly
// from the drain loop's single caller. Results are matched back to requests by
// RequestID; IDs missing from the returned slice fail individually with
// ErrResultMissing, and a non-nil error fails the whole batch.
//
// Runtime errors may implement `Transient() bool` to mark a dispatch failure
// retryable by contract.
type InferenceRuntime interface {
	Infer(ctx context.Context, batch *Batch) ([]RequestResult, error)
}
