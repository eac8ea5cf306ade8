package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devpublish/internal/fingerprint"
	"devpublish/internal/merge"
	"devpublish/internal/publish"
)

const sample = `
project_dir: app
lock_timeout: 30s
digest: blake3
concurrency: 2
publications:
  - name: mavenJava
    group: demo
    artifact: lib
    version: 1.0
    descriptors: [build/publications/mavenJava/pom-default.xml]
    command: ./gradlew publishMavenJavaPublicationToStaging
    env: {JAVA_HOME: /usr/lib/jvm/default}
  - name: prebuilt
    group: demo
    artifact: tools
    version: 2.1
    from: prebuilt/repo
  - name: release
    group: demo
    artifact: lib
    version: 1.0
    destination: external
    command: ./gradlew publishToReleaseRepo
    pass_env: []
imports:
  - ../data-model/build/tmp/.maven-dev/publications-store
  - {dir: /opt/m2/repository, kind: repository}
`

func TestParse_ResolvesPathsAgainstBaseDir(t *testing.T) {
	base := "/work/proj"
	cfg, err := Parse([]byte(sample), base)
	require.NoError(t, err)

	assert.Equal(t, "/work/proj/app", cfg.ProjectDir)
	assert.Equal(t, "/work/proj/app/build", cfg.BuildDir)
	assert.Equal(t, "/work/proj/app/build/tmp/.maven-dev/staging", cfg.Dirs.Staging)
	assert.Equal(t, "/work/proj/app/build/tmp/.maven-dev/publications-store", cfg.Dirs.PublicationStore)
	assert.Equal(t, "/work/proj/app/build/tmp/.maven-dev/checksum-store", cfg.Dirs.FingerprintStore)
	assert.Equal(t, "/work/proj/app/build/maven-dev", cfg.Dirs.MergedRepo)
	assert.Equal(t, "/work/proj/app/build/tmp/.maven-dev/passes", cfg.Dirs.History)

	assert.Equal(t, Duration(30*time.Second), cfg.LockTimeout)
	assert.Equal(t, fingerprint.BLAKE3, cfg.Algorithm())
	assert.Equal(t, 2, cfg.Concurrency)

	require.Len(t, cfg.Publications, 3)
	assert.Equal(t, "1.0", cfg.Publications[0].Version)
	assert.Equal(t, "/work/proj/prebuilt/repo", cfg.Publications[1].From)

	require.Len(t, cfg.Imports, 2)
	assert.Equal(t, Import{Dir: "/work/data-model/build/tmp/.maven-dev/publications-store"}, cfg.Imports[0])
	assert.Equal(t, Import{Dir: "/opt/m2/repository", Kind: "repository"}, cfg.Imports[1])
}

func TestParse_DefaultsForEmptyFile(t *testing.T) {
	cfg, err := Parse(nil, "/p")
	require.NoError(t, err)
	assert.Equal(t, "/p", cfg.ProjectDir)
	assert.Equal(t, "/p/build/maven-dev", cfg.Dirs.MergedRepo)
	assert.Equal(t, Duration(DefaultLockTimeout), cfg.LockTimeout)
	assert.Equal(t, fingerprint.SHA256, cfg.Algorithm())
	assert.Equal(t, 1, cfg.Concurrency)
	assert.Empty(t, cfg.Publications)
}

func TestParse_ExplicitDirsOverrideLayout(t *testing.T) {
	cfg, err := Parse([]byte("dirs:\n  merged_repo: out/repo\n  staging: /tmp/stage\n"), "/p")
	require.NoError(t, err)
	assert.Equal(t, "/p/out/repo", cfg.Dirs.MergedRepo)
	assert.Equal(t, "/tmp/stage", cfg.Dirs.Staging)
	assert.Equal(t, "/p/build/tmp/.maven-dev/checksum-store", cfg.Dirs.FingerprintStore)
}

func TestParse_Strict(t *testing.T) {
	_, err := Parse([]byte("unknown_key: 1\n"), "/p")
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = Parse([]byte("digest: sha256\n---\ndigest: blake3\n"), "/p")
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.ErrorContains(t, err, "trailing document")

	_, err = Parse([]byte("lock_timeout: soon\n"), "/p")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	bad := `
digest: md5
concurrency: 0
dirs:
  staging: same
  merged_repo: same
publications:
  - name: a/b
    group: g
    artifact: a
    version: "1"
    command: x
  - name: dup
    group: g
    artifact: a
    command: x
  - name: dup
    group: g
    artifact: a
    version: "1"
  - name: ext
    group: g
    artifact: a
    version: "1"
    destination: external
    from: dir
  - name: both
    group: g
    artifact: a
    version: "1"
    command: x
    from: dir
imports:
  - {kind: tarball}
`
	_, err := Parse([]byte(bad), "/p")
	require.ErrorIs(t, err, ErrInvalidConfig)

	for _, want := range []string{
		"unknown digest algorithm",
		"concurrency must be >= 1",
		"are the same directory",
		"invalid publication name",
		"duplicate name",
		"empty coordinate",
		"one of command or from is required",
		"from needs an internal destination",
		"mutually exclusive",
		"dir is required",
		"unknown input kind",
	} {
		assert.ErrorContains(t, err, want)
	}
}

func TestValidate_RejectsOverlappingDirs(t *testing.T) {
	for _, tc := range []struct {
		name, yaml, want string
	}{
		{
			name: "staging above the stores",
			yaml: "dirs:\n  staging: build/tmp/.maven-dev\n",
			want: "dirs.publication_store /p/build/tmp/.maven-dev/publications-store is inside dirs.staging /p/build/tmp/.maven-dev",
		},
		{
			name: "store inside staging",
			yaml: "dirs:\n  fingerprint_store: build/tmp/.maven-dev/staging/sums\n",
			want: "dirs.fingerprint_store /p/build/tmp/.maven-dev/staging/sums is inside dirs.staging",
		},
		{
			name: "history inside merged repo",
			yaml: "dirs:\n  history: build/maven-dev/passes\n",
			want: "dirs.history /p/build/maven-dev/passes is inside dirs.merged_repo /p/build/maven-dev",
		},
		{
			name: "merged repo is the project",
			yaml: "dirs:\n  merged_repo: .\n",
			want: "dirs.merged_repo /p must not contain project_dir /p",
		},
		{
			name: "staging above the project",
			yaml: "project_dir: app\ndirs:\n  staging: /\n",
			want: "dirs.staging / must not contain project_dir /p/app",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml), "/p")
			require.ErrorIs(t, err, ErrInvalidConfig)
			assert.ErrorContains(t, err, tc.want)
		})
	}

	cfg, err := Parse([]byte("dirs:\n  staging: build/staging-x\n  merged_repo: build/maven-dev-x\n"), "/p")
	require.NoError(t, err)
	assert.Equal(t, "/p/build/staging-x", cfg.Dirs.Staging)
}

func TestLoad_UsesFileDirectory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultFileName)
	require.NoError(t, os.WriteFile(path, []byte("build_dir: out\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, cfg.Path())
	assert.Equal(t, filepath.Join(dir, "out", "maven-dev"), cfg.Dirs.MergedRepo)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestConfig_BuildsPublicationsAndImports(t *testing.T) {
	cfg, err := Parse([]byte(sample), "/work/proj")
	require.NoError(t, err)

	pubs, err := cfg.PublishPublications(nil)
	require.NoError(t, err)
	require.Len(t, pubs, 3)

	assert.Equal(t, fingerprint.Identity("demo:lib:1.0"), pubs[0].Identity)
	assert.Equal(t, publish.Internal, pubs[0].Destination)
	cw, ok := pubs[0].Writer.(*publish.CommandWriter)
	require.True(t, ok)
	assert.Equal(t, "/work/proj/app", cw.Dir)
	assert.Equal(t, "/usr/lib/jvm/default", cw.Env["JAVA_HOME"])
	assert.Nil(t, cw.PassEnv)

	cp, ok := pubs[1].Writer.(*publish.CopyWriter)
	require.True(t, ok)
	assert.Equal(t, "/work/proj/prebuilt/repo", cp.Source)

	assert.Equal(t, publish.External, pubs[2].Destination)
	ext := pubs[2].Writer.(*publish.CommandWriter)
	assert.NotNil(t, ext.PassEnv)
	assert.Empty(t, ext.PassEnv)

	inputs, err := cfg.MergeImports()
	require.NoError(t, err)
	assert.Equal(t, []merge.Input{
		{Dir: "/work/data-model/build/tmp/.maven-dev/publications-store", Kind: merge.PublicationStores},
		{Dir: "/opt/m2/repository", Kind: merge.Repository},
	}, inputs)
}
