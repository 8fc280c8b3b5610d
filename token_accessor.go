// token_accessor.go

// The https://github.com/AzureAD/microsoft-authentication-library-for-go/blob/v1.2.0/apps/cache/cache.go just defines the
// types, and expect you to craft a cache accessor implementation of your own. You can base yours on below examples:
// https://github.com/AzureAD/microsoft-authentication-library-for-go/blob/v1.2.0/apps/tests/integration/cache_accessor.go
// https://github.com/AzureAD/microsoft-authentication-library-for-go/blob/v1.2.0/apps/tests/devapps/sample_cache_accessor.go

package aztok

import (
	"context"
	"log/slog"
	"os"

	"github.com/AzureAD/microsoft-authentication-library-for-go/apps/cache"
)

// msalCacheFile persists the MSAL token cache (refresh token included) to a
// single file, which is what survives between interactive sessions. A read
// error just means an empty cache; the next login repopulates it.
type msalCacheFile struct {
	file string
}

func (t *msalCacheFile) Replace(ctx context.Context, cache cache.Unmarshaler, hints cache.ReplaceHints) error {
	data, err := os.ReadFile(t.file)
	if err != nil {
		slog.Debug("msal cache read failed", "file", t.file, "err", err)
		return nil
	}
	return cache.Unmarshal(data)
}

func (t *msalCacheFile) Export(ctx context.Context, cache cache.Marshaler, hints cache.ExportHints) error {
	data, err := cache.Marshal()
	if err != nil {
		return err
	}
	return os.WriteFile(t.file, data, 0600)
}
