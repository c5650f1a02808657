package manifest

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/git-pkgs/pkgref/internal/core"
)

const project = `<Project Sdk="Microsoft.NET.Sdk">

  <PropertyGroup>
    <TargetFramework>net8.0</TargetFramework>
  </PropertyGroup>

  <ItemGroup>
    <!-- logging -->
    <PackageReference Include="Serilog" Version="3.1.1" />
    <PackageReference Include="Newtonsoft.Json" Version="13.0.3" />
    <PackageReference Include="xunit">
      <Version>2.6.0</Version>
    </PackageReference>
  </ItemGroup>

</Project>
`

const packagesConfig = `<?xml version="1.0" encoding="utf-8"?>
<packages>
  <package id="jQuery" version="3.7.1" targetFramework="net48" />
  <package id="NUnit" version="3.14.0" targetFramework="net48" />
</packages>
`

func refs(pairs ...string) []core.PackageReference {
	out := make([]core.PackageReference, 0, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		out = append(out, core.PackageReference{Name: pairs[i], Version: pairs[i+1]})
	}
	return out
}

func mustParse(t *testing.T, text string) []core.PackageReference {
	t.Helper()
	got, err := Parse([]byte(text))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	return got
}

func mustSerialize(t *testing.T, r []core.PackageReference, text string) string {
	t.Helper()
	out, err := Serialize(r, []byte(text))
	if err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}
	return string(out)
}

func TestParse_Project(t *testing.T) {
	got := mustParse(t, project)
	want := refs("Serilog", "3.1.1", "Newtonsoft.Json", "13.0.3", "xunit", "2.6.0")
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Parse = %v, want %v", got, want)
	}
}

func TestParse_PackagesConfig(t *testing.T) {
	got := mustParse(t, packagesConfig)
	want := refs("jQuery", "3.7.1", "NUnit", "3.14.0")
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Parse = %v, want %v", got, want)
	}
}

const messy = `<Project>
  <ItemGroup>
    <PackageReference Include="A" Version="1.0.0" />
    <PackageReference Update="B" Version="2.0.0" />
    <PackageReference Include="C" />
    <packagereference include="a" version="9.9.9" />
    <PackageVersion Include="D" Version="4.0.0" />
  </ItemGroup>
</Project>
`

func TestParse_SkipsMalformedAndDuplicates(t *testing.T) {
	got := mustParse(t, messy)
	want := refs("A", "1.0.0", "D", "4.0.0")
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Parse = %v, want %v", got, want)
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		text string
		line int
	}{
		{"empty", "", 0},
		{"not xml", "hello world", 0},
		{"truncated", "<Project>\n  <ItemGroup>\n", 0},
		{"mismatched", "<Project>\n<ItemGroup>\n</Project>", 3},
		{"two roots", "<Project/>\n<Project/>", 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.text))
			if !errors.Is(err, core.ErrParse) {
				t.Fatalf("expected ErrParse, got %v", err)
			}
			var pe *core.ParseError
			if !errors.As(err, &pe) {
				t.Fatalf("expected *core.ParseError, got %T", err)
			}
			if tt.line > 0 && pe.Line != tt.line {
				t.Errorf("Line = %d, want %d", pe.Line, tt.line)
			}
		})
	}
}

func TestRoundTrip(t *testing.T) {
	docs := map[string]string{
		"project":         project,
		"packages.config": packagesConfig,
		"messy":           messy,
		"bom crlf":        "\xEF\xBB\xBF<?xml version=\"1.0\" encoding=\"utf-8\"?>\r\n<Project>\r\n  <ItemGroup>\r\n    <PackageReference Include='A' Version='1.0.0'/>\r\n  </ItemGroup>\r\n</Project>",
		"namespaced":      `<Project ToolsVersion="15.0" xmlns="http://schemas.microsoft.com/developer/msbuild/2003"><ItemGroup><PackageReference Include="A"><Version>1.0</Version></PackageReference></ItemGroup></Project>`,
		"no declarations": "<Project Sdk=\"Microsoft.NET.Sdk\" />",
	}

	for name, text := range docs {
		t.Run(name, func(t *testing.T) {
			got := mustSerialize(t, mustParse(t, text), text)
			if got != text {
				t.Errorf("round trip changed the document:\n%s", got)
			}
		})
	}
}

func TestSerialize_UpdateAttribute(t *testing.T) {
	got := mustSerialize(t, refs("Serilog", "3.1.1", "Newtonsoft.Json", "13.0.4", "xunit", "2.6.0"), project)
	want := strings.Replace(project, `"13.0.3"`, `"13.0.4"`, 1)
	if got != want {
		t.Errorf("unexpected output:\n%s", got)
	}
}

func TestSerialize_UpdateVersionElement(t *testing.T) {
	got := mustSerialize(t, refs("Serilog", "3.1.1", "Newtonsoft.Json", "13.0.3", "xunit", "2.7.0"), project)
	want := strings.Replace(project, "<Version>2.6.0</Version>", "<Version>2.7.0</Version>", 1)
	if got != want {
		t.Errorf("unexpected output:\n%s", got)
	}
}

func TestSerialize_EscapesValues(t *testing.T) {
	got := mustSerialize(t, refs("Serilog", "1.0&2", "Newtonsoft.Json", "13.0.3", "xunit", "2.6.0"), project)
	if !strings.Contains(got, `Version="1.0&amp;2"`) {
		t.Fatalf("version not escaped:\n%s", got)
	}
	if back := mustParse(t, got); back[0].Version != "1.0&2" {
		t.Errorf("parsed version = %q", back[0].Version)
	}
}

func TestSerialize_Remove(t *testing.T) {
	tests := []struct {
		name string
		keep []core.PackageReference
		cut  string
	}{
		{
			name: "single line",
			keep: refs("Serilog", "3.1.1", "xunit", "2.6.0"),
			cut:  "    <PackageReference Include=\"Newtonsoft.Json\" Version=\"13.0.3\" />\n",
		},
		{
			name: "multi line",
			keep: refs("Serilog", "3.1.1", "Newtonsoft.Json", "13.0.3"),
			cut:  "    <PackageReference Include=\"xunit\">\n      <Version>2.6.0</Version>\n    </PackageReference>\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mustSerialize(t, tt.keep, project)
			want := strings.Replace(project, tt.cut, "", 1)
			if got != want {
				t.Errorf("unexpected output:\n%s", got)
			}
		})
	}
}

func TestSerialize_RemoveInline(t *testing.T) {
	text := `<Project><ItemGroup><PackageReference Include="A" Version="1" /><PackageReference Include="B" Version="2" /></ItemGroup></Project>`
	got := mustSerialize(t, refs("B", "2"), text)
	want := `<Project><ItemGroup><PackageReference Include="B" Version="2" /></ItemGroup></Project>`
	if got != want {
		t.Errorf("got %s", got)
	}
}

func TestSerialize_RemoveDropsDuplicates(t *testing.T) {
	got := mustSerialize(t, refs("D", "4.0.0"), messy)
	if strings.Contains(got, `Include="A"`) || strings.Contains(got, `include="a"`) {
		t.Errorf("duplicate declarations survived:\n%s", got)
	}
	if !strings.Contains(got, `<PackageReference Update="B"`) || !strings.Contains(got, `<PackageReference Include="C" />`) {
		t.Errorf("unrelated items were touched:\n%s", got)
	}
}

func TestSerialize_AppendAfterLast(t *testing.T) {
	got := mustSerialize(t, refs("Serilog", "3.1.1", "Newtonsoft.Json", "13.0.3", "xunit", "2.6.0", "Moq", "4.20.0"), project)
	want := strings.Replace(project,
		"    </PackageReference>\n  </ItemGroup>",
		"    </PackageReference>\n    <PackageReference Include=\"Moq\" Version=\"4.20.0\" />\n  </ItemGroup>", 1)
	if got != want {
		t.Errorf("unexpected output:\n%s", got)
	}
	if parsed := mustParse(t, got); len(parsed) != 4 || parsed[3].Name != "Moq" {
		t.Errorf("Parse after append = %v", parsed)
	}
}

func TestSerialize_AppendPackagesConfig(t *testing.T) {
	got := mustSerialize(t, refs("jQuery", "3.7.1", "NUnit", "3.14.0", "Moq", "4.20.0"), packagesConfig)
	want := strings.Replace(packagesConfig,
		"version=\"3.14.0\" targetFramework=\"net48\" />",
		"version=\"3.14.0\" targetFramework=\"net48\" />\n  <package id=\"Moq\" version=\"4.20.0\" targetFramework=\"net48\" />", 1)
	if got != want {
		t.Errorf("unexpected output:\n%s", got)
	}
}

func TestSerialize_KeepsStyle(t *testing.T) {
	text := "<Project>\r\n  <ItemGroup>\r\n    <PackageReference Include='A' Version='1.0.0'/>\r\n  </ItemGroup>\r\n</Project>\r\n"

	got := mustSerialize(t, refs("A", "1.0.0", "B", "2.0.0"), text)
	want := "<Project>\r\n  <ItemGroup>\r\n    <PackageReference Include='A' Version='1.0.0'/>\r\n    <PackageReference Include='B' Version='2.0.0'/>\r\n  </ItemGroup>\r\n</Project>\r\n"
	if got != want {
		t.Errorf("got %q", got)
	}

	got = mustSerialize(t, nil, text)
	want = "<Project>\r\n  <ItemGroup>\r\n  </ItemGroup>\r\n</Project>\r\n"
	if got != want {
		t.Errorf("got %q", got)
	}
}

func TestSerialize_ReplaceAll(t *testing.T) {
	text := "<packages>\n  <package id=\"A\" version=\"1\" />\n</packages>\n"
	got := mustSerialize(t, refs("B", "2"), text)
	want := "<packages>\n  <package id=\"B\" version=\"2\" />\n</packages>\n"
	if got != want {
		t.Errorf("got %q", got)
	}
}

func TestSerialize_InsertGroup(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{
			name: "project without items",
			text: "<Project Sdk=\"Microsoft.NET.Sdk\">\n  <PropertyGroup>\n    <OutputType>Exe</OutputType>\n  </PropertyGroup>\n</Project>\n",
			want: "<Project Sdk=\"Microsoft.NET.Sdk\">\n  <PropertyGroup>\n    <OutputType>Exe</OutputType>\n  </PropertyGroup>\n  <ItemGroup>\n    <PackageReference Include=\"Serilog\" Version=\"3.1.1\" />\n  </ItemGroup>\n</Project>\n",
		},
		{
			name: "self-closing project",
			text: "<Project Sdk=\"Microsoft.NET.Sdk\" />",
			want: "<Project Sdk=\"Microsoft.NET.Sdk\">\n  <ItemGroup>\n    <PackageReference Include=\"Serilog\" Version=\"3.1.1\" />\n  </ItemGroup>\n</Project>",
		},
		{
			name: "one line project",
			text: "<Project></Project>",
			want: "<Project>\n  <ItemGroup>\n    <PackageReference Include=\"Serilog\" Version=\"3.1.1\" />\n  </ItemGroup>\n</Project>",
		},
		{
			name: "empty packages.config",
			text: "<packages>\n</packages>\n",
			want: "<packages>\n  <package id=\"Serilog\" version=\"3.1.1\" />\n</packages>\n",
		},
		{
			name: "central package management",
			text: "<Project>\n  <PropertyGroup>\n    <ManagePackageVersionsCentrally>true</ManagePackageVersionsCentrally>\n  </PropertyGroup>\n</Project>\n",
			want: "<Project>\n  <PropertyGroup>\n    <ManagePackageVersionsCentrally>true</ManagePackageVersionsCentrally>\n  </PropertyGroup>\n  <ItemGroup>\n    <PackageVersion Include=\"Serilog\" Version=\"3.1.1\" />\n  </ItemGroup>\n</Project>\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mustSerialize(t, refs("Serilog", "3.1.1"), tt.text)
			if got != tt.want {
				t.Errorf("got %q\nwant %q", got, tt.want)
			}
			if parsed := mustParse(t, got); len(parsed) != 1 {
				t.Errorf("Parse after insert = %v", parsed)
			}
		})
	}
}

func TestSerialize_Rejects(t *testing.T) {
	tests := []struct {
		name string
		refs []core.PackageReference
		want error
	}{
		{"reordered", refs("Newtonsoft.Json", "13.0.3", "Serilog", "3.1.1"), ErrReordered},
		{"new before existing", refs("Moq", "1.0.0", "Serilog", "3.1.1"), ErrReordered},
		{"empty version", refs("Serilog", " "), core.ErrInvalidReference},
		{"duplicate", refs("Serilog", "1", "serilog", "2"), core.ErrDuplicate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Serialize(tt.refs, []byte(project))
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestDetect(t *testing.T) {
	if f, err := Detect([]byte(packagesConfig)); err != nil || f != FormatPackagesConfig {
		t.Errorf("Detect(packages.config) = %v, %v", f, err)
	}
	if f, err := Detect([]byte(project)); err != nil || f != FormatMSBuild {
		t.Errorf("Detect(project) = %v, %v", f, err)
	}
}

func TestSupported(t *testing.T) {
	tests := map[string]bool{
		"app/App.csproj":                true,
		"lib/Lib.fsproj":                true,
		"Directory.Packages.props":      true,
		"legacy/packages.config":        true,
		"legacy/Packages.Config":        true,
		"package.json":                  false,
		"README.md":                     false,
		"src/Vb.vbproj":                 true,
		"build/Directory.Build.targets": true,
	}
	for path, want := range tests {
		if got := Supported(path); got != want {
			t.Errorf("Supported(%q) = %v, want %v", path, got, want)
		}
	}
}
