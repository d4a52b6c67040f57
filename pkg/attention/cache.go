package attention

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/halcyon-ml/attn/pkg/tensor"
)

// KVCache holds projected key/value head tensors per session so
// incremental decoding can attend over the full history without
// reprojecting it. Sessions are evicted least-recently-used once the
// configured capacity is reached.
type KVCache struct {
	entries *lru.Cache[string, *kvEntry]
}

type kvEntry struct {
	key   *tensor.Tensor // [seq, batch, heads, headDim]
	value *tensor.Tensor
}

// NewKVCache creates a cache bounded to the given number of sessions.
func NewKVCache(sessions int) (*KVCache, error) {
	entries, err := lru.New[string, *kvEntry](sessions)
	if err != nil {
		return nil, err
	}
	return &KVCache{entries: entries}, nil
}

// Len returns the number of cached sessions.
func (c *KVCache) Len() int { return c.entries.Len() }

// Remove drops a session's history.
func (c *KVCache) Remove(session string) { c.entries.Remove(session) }

// SeqLen returns the cached history length for a session, zero if none.
func (c *KVCache) SeqLen(session string) int {
	if e, ok := c.entries.Get(session); ok {
		return e.key.Dim(0)
	}
	return 0
}

// extend appends freshly projected key/value tensors to the session's
// history and returns the full tensors. Batch, head and head-dimension
// axes must match the cached history.
func (c *KVCache) extend(session string, key, value *tensor.Tensor) (k, v *tensor.Tensor, err error) {
	k, v = key, value
	if e, ok := c.entries.Get(session); ok {
		if k, err = tensor.ConcatLeading(e.key, key); err != nil {
			return nil, nil, err
		}
		if v, err = tensor.ConcatLeading(e.value, value); err != nil {
			return nil, nil, err
		}
	}
	c.entries.Add(session, &kvEntry{key: k, value: v})
	return k, v, nil
}

// ForwardCached is Forward with session history: the key and value
// inputs cover only the new step(s), are projected, appended to the
// session's cached head tensors and attended over in full. The mask,
// when given, must span the entire history
// [seqQ or 1, cached+new, batch or 1].
func (m *MultiHeadAttention) ForwardCached(cache *KVCache, session string, query, key, value, mask *tensor.Tensor) (*Result, error) {
	query, key, value, singleStep, err := m.normalizeInputs(query, key, value)
	if err != nil {
		return nil, err
	}

	qh, err := m.Query.Project(query)
	if err != nil {
		return nil, err
	}
	kh, err := m.Key.Project(key)
	if err != nil {
		return nil, err
	}
	vh, err := m.Value.Project(value)
	if err != nil {
		return nil, err
	}

	if kh, vh, err = cache.extend(session, kh, vh); err != nil {
		return nil, err
	}

	var prepared *tensor.Tensor
	if mask != nil {
		if prepared, err = prepareMask(mask, query.Dim(0), kh.Dim(0), query.Dim(1)); err != nil {
			return nil, err
		}
	}

	res, err := m.attend(qh, kh, vh, prepared)
	if err != nil {
		return nil, err
	}
	if singleStep {
		if res.Output, err = res.Output.Reshape(query.Dim(1), m.modelDim); err != nil {
			return nil, err
		}
	}
	return res, nil
}
