package blob

import (
	"context"
	"strings"
	"testing"
)

func TestOpenSelectsDriverFromEnv(t *testing.T) {
	ctx := context.Background()

	t.Setenv("TRACTION_BLOB_DRIVER", "memory")
	s, err := Open(ctx)
	if err != nil || s.Driver() != DriverMemory {
		t.Fatalf("expected memory driver, got %v err=%v", s, err)
	}

	t.Setenv("TRACTION_BLOB_DRIVER", "")
	t.Setenv("TRACTION_BLOB_FS_ROOT", t.TempDir())
	s, err = Open(ctx)
	if err != nil || s.Driver() != DriverFilesystem {
		t.Fatalf("expected fs driver by default, err=%v", err)
	}
	if _, err := s.Put(ctx, "k", strings.NewReader("v"), PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}

	t.Setenv("TRACTION_BLOB_DRIVER", "s3")
	t.Setenv("TRACTION_BLOB_S3_BUCKET", "")
	if _, err := Open(ctx); err == nil || !strings.Contains(err.Error(), "TRACTION_BLOB_S3_BUCKET") {
		t.Fatalf("expected missing bucket error, got %v", err)
	}

	t.Setenv("TRACTION_BLOB_DRIVER", "ftp")
	if _, err := Open(ctx); err == nil {
		t.Fatalf("expected unknown driver error")
	}
}
