package catalog

import "testing"

func TestDefault_loadsBundledManifest(t *testing.T) {
	c, err := Default()
	if err != nil {
		t.Fatalf("Default() error: %v", err)
	}
	for _, name := range []string{"ping", "unity_get_scene_hierarchy", "blender_call", "unity.instantiate_prefab", "blender.export_fbx"} {
		if !c.Allowed(name) {
			t.Errorf("expected %q to be in the default catalog", name)
		}
	}
	if c.Allowed("rm_rf_everything") {
		t.Error("unknown tool should not be allowed")
	}
}

func TestDefault_namesAreSorted(t *testing.T) {
	c, err := Default()
	if err != nil {
		t.Fatalf("Default() error: %v", err)
	}
	names := c.Names()
	for i := 1; i < len(names); i++ {
		if names[i-1] > names[i] {
			t.Fatalf("Names() not sorted: %v", names)
		}
	}
}

func TestLookup_returnsFamily(t *testing.T) {
	c, err := Default()
	if err != nil {
		t.Fatalf("Default() error: %v", err)
	}
	tool, ok := c.Lookup("blender_modeling_create_primitive")
	if !ok {
		t.Fatal("expected blender_modeling_create_primitive to be found")
	}
	if tool.Family != FamilyBlender {
		t.Errorf("Family = %q, want %q", tool.Family, FamilyBlender)
	}
}

func TestParse_rejectsDuplicateNames(t *testing.T) {
	_, err := parse([]byte(`
tools:
  - name: foo
    family: local
  - name: foo
    family: local
`))
	if err == nil {
		t.Fatal("expected an error for duplicate tool names")
	}
}

func TestParse_rejectsEmptyName(t *testing.T) {
	_, err := parse([]byte(`
tools:
  - family: local
`))
	if err == nil {
		t.Fatal("expected an error for a tool with no name")
	}
}
