//go:build !gcp

package archive

import (
	"context"
	"fmt"
)

func openGCS(context.Context, Config) (Store, error) {
	return nil, fmt.Errorf("GCS archive is not enabled in this build (use -tags gcp)")
}
