package domain

import (
	"testing"

	"traction/testutil"
)

func TestDomainDoesNotImportInternal(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.InternalImportForbidden, "domain types are shared by every layer")
	testutil.AssertNoTransitiveDependency(t, ".", testutil.InternalImportForbidden, "domain types are shared by every layer")
}
