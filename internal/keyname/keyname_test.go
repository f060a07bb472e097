package keyname

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsLegal_Rejects(t *testing.T) {
	illegal := []string{
		"",
		"/",
		".",
		"./",
		"./file",
		"../",
		"../file",
		"/top_dir/sub_dir/file",
		".top_dir/sub_dir/file",
		"top_dir/sub_dir/(file)",
		"top_dir/sub_dir/file ",
		"top_dir/sub_dir/ file",
		"top_dîr/sub_dir/file",
		"top_dir/sub_dîr/file",
		"top_dir/sub_dir/fîle",
		"top dir/sub_dir/file",
		"top_dir/sub_dir/fîle.txt",
		"top_dir/sub_dir/file.îxt",
		"top_dir/sub.dir/file.txt",
		"top_dir/sub_dir/file.txt.txt",
		"top_dir/sub_dir/.ext.txt.txt",
		"top_dir/./file",
		"top_dir/../file",
		"top_dir/.../file",
		"top_dir/sub_dir/..",
		"top_dir/sub_dir/...",
		"top_dir/sub_dir/file.",
		"top_dir//file",
		"top_dir/",
		"top_dir/我能/我能.我能.我能",
	}
	for _, key := range illegal {
		assert.False(t, IsLegal(key), "expected %q to be illegal", key)
	}
}

func TestIsLegal_Accepts(t *testing.T) {
	legal := []string{
		"file",
		"top_dir/sub_dir/file",
		"top-dir/sub-dir/a-file.txt",
		"top_dir/sub_dir/.hidden_file",
		"top_dir/sub_dir/.hidden_file.txt",
		"top_dir/sub_dir/file.txt",
	}
	for _, key := range legal {
		assert.True(t, IsLegal(key), "expected %q to be legal", key)
	}
}

func TestRemediate(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"/top_dîr/ça_sub dir/file .txt.txt", "top_dir/ca_sub_dir/file__txt.txt"},
		{"top_dîr/ça_sub dir/بخورم.بخورم", "top_dir/ca_sub_dir/bkhwrm.bkhwrm"},
		{"/top_dîr/我能/我能.我能.我能", "top_dir/Wo_Neng_/Wo_Neng__Wo_Neng_.Wo_Neng_"},
		{"top_dîr/ça_sub dir/file.", "top_dir/ca_sub_dir/file._"},
		{"/top_dir/sub_dir/file", "top_dir/sub_dir/file"},
		{"top_dir/sub_dir/file.txt", "top_dir/sub_dir/file.txt"},
		{"top_dir/sub_dir/.file", "top_dir/sub_dir/.file"},
		{"top_dir/sub_dir/.file.txt", "top_dir/sub_dir/.file.txt"},
		{"top.dir//sub_dir/file", "top_dir/sub_dir/file"},
		{"a/./b/../c", "a/_/b/__/c"},
		{"dir/..", "dir/._"},
		{"dir/", "dir"},
		{"archive.tar.gz", "archive_tar.gz"},
	}
	for _, tt := range tests {
		got, err := Remediate(tt.in, nil)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
		assert.True(t, IsLegal(got), "remediated %q is not legal", got)
	}
}

func TestRemediate_UnusablePaths(t *testing.T) {
	for _, in := range []string{"", ".", "..", "/", "///"} {
		_, err := Remediate(in, nil)
		assert.True(t, errors.Is(err, ErrUnusablePath), "input %q", in)
	}
}

func TestRemediate_Collisions(t *testing.T) {
	got, err := Remediate("a.txt", []string{"a.txt", "a_1.txt"})
	require.NoError(t, err)
	assert.Equal(t, "a_2.txt", got)

	got, err = Remediate("dir/.hidden", []string{"dir/.hidden"})
	require.NoError(t, err)
	assert.Equal(t, "dir/.hidden_1", got)

	got, err = Remediate("dir/file", []string{"dir/file.txt"})
	require.NoError(t, err)
	assert.Equal(t, "dir/file", got)
}

func TestRemediate_AccumulatedKeysAreAlwaysNew(t *testing.T) {
	var tried []string
	for i := 0; i < 5; i++ {
		key, err := Remediate("top dir/report.pdf", tried)
		require.NoError(t, err)
		assert.NotContains(t, tried, key)
		tried = append(tried, key)
	}
	assert.Equal(t, []string{
		"top_dir/report.pdf",
		"top_dir/report_1.pdf",
		"top_dir/report_2.pdf",
		"top_dir/report_3.pdf",
		"top_dir/report_4.pdf",
	}, tried)
}

func TestRemediate_IdempotentAndLegal(t *testing.T) {
	alphabet := []rune("aZ9_-. /îçé我能بخ()*\t\x00")
	rng := rand.New(rand.NewSource(1))

	inputs := []string{"..a", "a..b", ".", "...x", "x/.../y", " ", "\xff\xfe"}
	for i := 0; i < 500; i++ {
		n := 1 + rng.Intn(24)
		r := make([]rune, n)
		for j := range r {
			r[j] = alphabet[rng.Intn(len(alphabet))]
		}
		inputs = append(inputs, string(r))
	}

	for _, in := range inputs {
		once, err := Remediate(in, nil)
		if err != nil {
			assert.True(t, errors.Is(err, ErrUnusablePath), "input %q: %v", in, err)
			continue
		}
		assert.True(t, IsLegal(once), "input %q remediated to illegal %q", in, once)

		twice, err := Remediate(once, nil)
		require.NoError(t, err)
		assert.Equal(t, once, twice, "input %q", in)

		withUsed, err := Remediate(in, []string{once})
		require.NoError(t, err)
		assert.True(t, IsLegal(withUsed), "input %q with collision remediated to %q", in, withUsed)
	}
}

func FuzzRemediate(f *testing.F) {
	f.Add("/top_dîr/ça_sub dir/file .txt.txt")
	f.Add("dir/.hidden")
	f.Add("a.txt")
	f.Fuzz(func(t *testing.T, in string) {
		key, err := Remediate(in, nil)
		if err != nil {
			return
		}
		if !IsLegal(key) {
			t.Fatalf("Remediate(%q) = %q, not legal", in, key)
		}
	})
}
