package permission

import "testing"

func TestCheckFilesystem_TraversalAlwaysDenied(t *testing.T) {
	t.Parallel()

	// Even a grant on the traversal target must not rescue the request.
	set := &Set{Filesystem: []FileGrant{
		{Path: "/tmp/plugin-data", Mode: ModeRead},
		{Path: "/etc", Mode: ModeReadWrite},
	}}

	d := set.CheckFilesystem("/tmp/plugin-data/../../../etc/passwd", ModeRead)
	if d.Allowed {
		t.Fatalf("traversal path allowed: %+v", d)
	}
}

func TestCheckFilesystem_Modes(t *testing.T) {
	t.Parallel()

	set := &Set{Filesystem: []FileGrant{
		{Path: "/tmp/plugin-data", Mode: ModeRead},
		{Path: "/var/lib/plugin", Mode: ModeReadWrite},
		{Path: "/tmp/out", Mode: ModeWrite},
	}}

	tests := []struct {
		name    string
		path    string
		mode    FileMode
		allowed bool
	}{
		{"read on read grant", "/tmp/plugin-data/file.txt", ModeRead, true},
		{"write on read grant denied", "/tmp/plugin-data/file.txt", ModeWrite, false},
		{"write on sub-path of read grant denied", "/tmp/plugin-data/a/b", ModeWrite, false},
		{"readwrite on read grant denied", "/tmp/plugin-data", ModeReadWrite, false},
		{"read on readwrite grant", "/var/lib/plugin/db", ModeRead, true},
		{"write on readwrite grant", "/var/lib/plugin/db", ModeWrite, true},
		{"read on write grant denied", "/tmp/out/x", ModeRead, false},
		{"exact grant path", "/tmp/plugin-data", ModeRead, true},
		{"sibling with shared prefix denied", "/tmp/plugin-data-evil", ModeRead, false},
		{"outside any grant", "/home/user/secret", ModeRead, false},
		{"relative path denied", "tmp/plugin-data", ModeRead, false},
		{"unknown mode denied", "/tmp/plugin-data", FileMode("append"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := set.CheckFilesystem(tt.path, tt.mode)
			if d.Allowed != tt.allowed {
				t.Errorf("CheckFilesystem(%q, %q) = %v (%s), want %v",
					tt.path, tt.mode, d.Allowed, d.Reason, tt.allowed)
			}
		})
	}
}

func TestCheckFilesystem_DefaultDeny(t *testing.T) {
	t.Parallel()

	var nilSet *Set
	if d := nilSet.CheckFilesystem("/tmp/x", ModeRead); d.Allowed {
		t.Error("nil set allowed filesystem access")
	}
	empty := &Set{}
	if d := empty.CheckFilesystem("/tmp/x", ModeRead); d.Allowed {
		t.Error("empty set allowed filesystem access")
	}
}
