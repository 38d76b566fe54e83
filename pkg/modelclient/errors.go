package modelclient

import "errors"

// ErrEmbeddingUnavailable is returned by Embed when the underlying
// provider exposes no embedding endpoint; callers fall back to the
// deterministic hashed-token projection (§4.6, §9).
var ErrEmbeddingUnavailable = errors.New("modelclient: embedding endpoint not configured")
