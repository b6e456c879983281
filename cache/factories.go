package cache

import "github.com/pkg/errors"

// NewLocalCacheFactory returns the factory for config.Kind.
func NewLocalCacheFactory(config LocalCacheConfig) (LocalCacheFactory, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	switch config.Kind {
	case KindLRU:
		return NewLRUCacheFactory(config.MaxSize), nil
	case KindLFU, "":
		return NewLFUCacheFactory(config), nil
	}
	return nil, errors.Wrapf(ErrInvalidConfig, "unknown local cache kind %q", config.Kind)
}
