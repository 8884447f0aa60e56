package args

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestClassifyDistributes(t *testing.T) {
	cases := []struct {
		cmd    string
		input  string
		output string
	}{
		{"gcc -c hello.c", "hello.c", "hello.o"},
		{"gcc -o /tmp/hello.o -c ../src/hello.c", "../src/hello.c", "/tmp/hello.o"},
		{"gcc -DMYNAME=quasibar.c bar.c -c -o bar.o", "bar.c", "bar.o"},
		{"gcc -ohello.o -c hello.c", "hello.c", "hello.o"},
		{"ccache gcc -c hello.c", "hello.c", "hello.o"},
		{"gcc -S hello.c", "hello.c", "hello.s"},
		{"gcc -c -S hello.c", "hello.c", "hello.s"},
		{"gcc -S -c hello.c", "hello.c", "hello.s"},
		{"gcc -MD -c hello.c", "hello.c", "hello.o"},
		{"gcc -MMD -c hello.c", "hello.c", "hello.o"},
		{"gcc -ofoo.o foo.c -c", "foo.c", "foo.o"},
		{"gcc foo.c -o foo.o -c", "foo.c", "foo.o"},
		{"gcc -Wa,-xarch=v8 -c foo.c", "foo.c", "foo.o"},
		{"g++ -c src/widget.cpp", "src/widget.cpp", "widget.o"},
		{"gcc -x c -c foo.c", "foo.c", "foo.o"},
		{"gcc -xc++ -c foo.cc", "foo.cc", "foo.o"},
		{"gcc -Xclang -load -c foo.c", "foo.c", "foo.o"},
		{"gcc -c foo.i", "foo.i", "foo.o"},
		{"gcc -MF deps/foo.d -MT foo.o -c foo.c", "foo.c", "foo.o"},
	}
	for _, tc := range cases {
		res, err := Classify(strings.Fields(tc.cmd), "")
		if err != nil {
			t.Fatalf("%q: unexpected error %v", tc.cmd, err)
		}
		if res.Local() {
			t.Fatalf("%q: expected distribute, got local (%s)", tc.cmd, res.Reason)
		}
		if res.Job.InputFile != tc.input || res.Job.OutputFile != tc.output {
			t.Errorf("%q: got (%s, %s), want (%s, %s)", tc.cmd, res.Job.InputFile, res.Job.OutputFile, tc.input, tc.output)
		}
	}
}

func TestClassifyRunsLocally(t *testing.T) {
	cases := []string{
		"gcc hello.c",
		"gcc hello.o",
		"gcc -o hello.o hello.c",
		"gcc -E hello.c",
		"gcc -c hello.s",
		"gcc -c hello.S",
		"gcc -fprofile-arcs -ftest-coverage -c foo.c",
		"gcc --coverage -c foo.c",
		"gcc -fprofile-generate=dir -c foo.c",
		"gcc -M foo.c",
		"gcc -ME -c foo.c",
		"gcc -MM -c foo.c",
		"gcc -S foo.c -o -",
		"gcc -S -o - foo.c",
		"gcc -c -o - foo.c",
		"gcc -ofoo foo.o",
		"gcc foo.c -o foo.o",
		"gcc -Wa,-alh,-a=foo.lst -c foo.c",
		"gcc -Wa,--MD -c foo.c",
		"g++ -frepo -c foo.C",
		"gcc -xassembler-with-cpp -c foo.c",
		"gcc -x assembler-with-cpp -c foo.c",
		"gcc -specs=foo.specs -c foo.c",
		"gcc -drtl -c foo.c",
		"gcc -march=native -c foo.c",
		"gcc -c foo.c bar.c",
		"gcc -c conftest.c",
		"gcc -c tmp.conftest.c",
		"gcc -c",
	}
	for _, cmd := range cases {
		res, err := Classify(strings.Fields(cmd), "")
		if err != nil {
			t.Fatalf("%q: unexpected error %v", cmd, err)
		}
		if !res.Local() {
			t.Errorf("%q: expected local, got %+v", cmd, res.Job)
		}
		if res.Local() && res.Reason == "" {
			t.Errorf("%q: local result without a reason", cmd)
		}
	}
}

func TestClassifyBadArguments(t *testing.T) {
	cases := [][]string{
		nil,
		{"-c", "foo.c"},
		{"gcc", "-c", "foo.c", "-MF"},
		{"gcc", "-c", "foo.c", "-o"},
		{"gcc", "-c", "foo.c", "-MT"},
		{"gcc", "-c", "foo.c", "-x"},
		{"gcc", "-Xclang"},
	}
	for _, argv := range cases {
		_, err := Classify(argv, "")
		if !errors.Is(err, ErrBadArguments) {
			t.Errorf("%q: expected ErrBadArguments, got %v", argv, err)
		}
	}
}

func TestClassifyAppendsDerivedOutput(t *testing.T) {
	res, err := Classify([]string{"gcc", "-DX=1", "-Iinc", "-c", "hello.c"}, "")
	if err != nil || res.Local() {
		t.Fatalf("unexpected result %+v, %v", res, err)
	}
	wantCompile := []string{"gcc", "-DX=1", "-Iinc", "-c", "hello.c", "-o", "hello.o"}
	if !reflect.DeepEqual(res.Job.CompileArgs, wantCompile) {
		t.Fatalf("compile args: got %q, want %q", res.Job.CompileArgs, wantCompile)
	}
	wantRemote := []string{"gcc", "-c", "hello.c", "-o", "hello.o"}
	if !reflect.DeepEqual(res.Job.Args, wantRemote) {
		t.Fatalf("remote args: got %q, want %q", res.Job.Args, wantRemote)
	}
}

func TestClassifyDependencyFiles(t *testing.T) {
	res, err := Classify(strings.Fields("gcc -MD -c hello.c"), "")
	if err != nil || res.Local() {
		t.Fatalf("unexpected result %+v, %v", res, err)
	}
	if !res.Job.NeedsDepFile || res.Job.DepFile != "hello.d" {
		t.Fatalf("got needs=%v file=%q", res.Job.NeedsDepFile, res.Job.DepFile)
	}

	res, _ = Classify(strings.Fields("gcc foo.c -c -o foo.o"), "foo.d foo.o")
	j := res.Job
	if !j.NeedsDepFile || j.DepFile != "foo.d" || j.DepTarget != "foo.o" {
		t.Fatalf("env convention: got needs=%v file=%q target=%q", j.NeedsDepFile, j.DepFile, j.DepTarget)
	}

	res, _ = Classify(strings.Fields("gcc foo.c -c -o foo.o -MT target"), "")
	j = res.Job
	if !j.SetsDepTarget || j.DepTarget != "" {
		t.Fatalf("-MT must not populate the target: sets=%v target=%q", j.SetsDepTarget, j.DepTarget)
	}
}

func TestDependencyInfo(t *testing.T) {
	cases := []struct {
		cmd    string
		output string
		env    string
		want   DepInfo
	}{
		{"gcc foo.c -c -o foo.o", "foo.o", "", DepInfo{File: "foo.d"}},
		{"gcc foo.c -c -o foo.o -MD", "foo.o", "", DepInfo{Needs: true, File: "foo.d"}},
		{"gcc foo.c -c -o foo.o -MMD", "foo.o", "", DepInfo{Needs: true, File: "foo.d"}},
		{"gcc foo.c -c -o foo.o -MD -MF foo.dep", "foo.o", "", DepInfo{Needs: true, File: "foo.dep", Explicit: true}},
		{"gcc foo.c -c -o foo.o -MD -MFfoo.dep", "foo.o", "", DepInfo{Needs: true, File: "foo.dep", Explicit: true}},
		{"gcc foo.c -o foo -MD", "foo", "", DepInfo{Needs: true, File: "foo.d"}},
		{"gcc foo.c -c -o foo.o -MD -MT target", "foo.o", "", DepInfo{Needs: true, File: "foo.d", SetsTarget: true}},
		{"gcc foo.c -c -o foo.o -MQ target", "foo.o", "", DepInfo{File: "foo.d", SetsTarget: true}},
		{"gcc foo.c -c -o foo.o -MTtarget", "foo.o", "", DepInfo{Needs: true, File: "foo.d"}},
		{"gcc foo.c -c -o foo.o -MQtarget", "foo.o", "", DepInfo{Needs: true, File: "foo.d"}},
		{"gcc foo.c -c -o foo.o", "foo.o", "foo.d", DepInfo{Needs: true, File: "foo.d", FromEnv: true}},
		{"gcc foo.c -c -o foo.o", "foo.o", "foo.d foo.o", DepInfo{Needs: true, File: "foo.d", Target: "foo.o", FromEnv: true}},
		{"gcc foo.c -c -o foo.o -MT x", "foo.o", "foo.d foo.o", DepInfo{Needs: true, File: "foo.d", Target: "foo.o", SetsTarget: true, FromEnv: true}},
	}
	for _, tc := range cases {
		got := DependencyInfo(strings.Fields(tc.cmd), tc.output, tc.env)
		if got != tc.want {
			t.Errorf("%q env=%q: got %+v, want %+v", tc.cmd, tc.env, got, tc.want)
		}
	}
}

func TestPreprocessArgs(t *testing.T) {
	res, err := Classify(strings.Fields("gcc -Iinc -MD -c src/foo.c -o obj/foo.o"), "")
	if err != nil || res.Local() {
		t.Fatalf("unexpected result %+v, %v", res, err)
	}
	want := []string{"gcc", "-Iinc", "-MD", "-E", "src/foo.c", "-MF", "obj/foo.d", "-MT", "obj/foo.o"}
	if got := res.Job.PreprocessArgs(); !reflect.DeepEqual(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}

	res, _ = Classify(strings.Fields("gcc -c foo.c"), "")
	want = []string{"gcc", "-E", "foo.c"}
	if got := res.Job.PreprocessArgs(); !reflect.DeepEqual(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestExpandPreprocessorOptions(t *testing.T) {
	in := []string{"gcc", "-Wp,-MD,.deps/foo.pp,-DX", "-c", "foo.c"}
	want := []string{"gcc", "-MD", "-MF", ".deps/foo.pp", "-DX", "-c", "foo.c"}
	if got := ExpandPreprocessorOptions(in); !reflect.DeepEqual(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}
	plain := []string{"gcc", "-c", "foo.c"}
	if got := ExpandPreprocessorOptions(plain); !reflect.DeepEqual(got, plain) {
		t.Fatalf("unchanged argv rewritten: %q", got)
	}
}

func TestStripLocal(t *testing.T) {
	in := strings.Fields("gcc -D X -DY -I inc -Iinc2 -include cfg.h -nostdinc -MD -MF f.d -Wl,-z -O2 -c foo.c -o foo.o")
	want := strings.Fields("gcc -O2 -c foo.c -o foo.o")
	if got := StripLocal(in); !reflect.DeepEqual(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestStripOutput(t *testing.T) {
	in := strings.Fields("gcc -o a.o -c foo.c -ob.o")
	want := strings.Fields("gcc -c foo.c")
	if got := StripOutput(in); !reflect.DeepEqual(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestFilenameHelpers(t *testing.T) {
	if ext, ok := Extension("dir.x/foo"); ok {
		t.Fatalf("extension from directory: %q", ext)
	}
	if _, ok := Extension("foo."); ok {
		t.Fatal("trailing dot has no extension")
	}
	if ext, ok := Extension("a/b/foo.cpp"); !ok || ext != "cpp" {
		t.Fatalf("got %q, %v", ext, ok)
	}
	for _, name := range []string{"a.c", "a.cc", "a.C", "a.c++", "a.i", "a.mii", "a.M"} {
		if !IsSource(name) {
			t.Errorf("%s should be a source", name)
		}
	}
	for _, name := range []string{"a.s", "a.S", "a.o", "a.h", "a", ".c"} {
		if IsSource(name) {
			t.Errorf("%s should not be a source", name)
		}
	}
	if ext, _ := PreprocessedExt("x.cpp"); ext != ".ii" {
		t.Fatalf("got %q", ext)
	}
	if got := ReplaceExt("foo", ".d"); got != "foo.d" {
		t.Fatalf("got %q", got)
	}
	if got := ReplaceExt("foo.", ".d"); got != "foo.d" {
		t.Fatalf("got %q", got)
	}
}

func BenchmarkClassify(b *testing.B) {
	argv := strings.Fields("gcc -DNDEBUG -Iinclude -O2 -g -Wall -MD -MF obj/foo.d -c src/foo.c -o obj/foo.o")
	for i := 0; i < b.N; i++ {
		_, _ = Classify(argv, "")
	}
}
