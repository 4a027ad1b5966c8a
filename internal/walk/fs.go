package walk

import (
	"context"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
)

// Dir recursively walks dir and yields the path of every regular file found,
// prefixed with dir. Symlinks are not followed. An error is yielded when the
// directory can't be opened or file information retrieval fails.
func Dir(ctx context.Context, dir string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		root, err := os.OpenRoot(dir)
		if err != nil {
			yield("", err)
			return
		}
		defer func() {
			_ = root.Close()
		}()

		fn := func(path string, d fs.DirEntry, err error) error {
			if ctx.Err() != nil {
				return fs.SkipAll
			}
			abspath := filepath.Join(dir, path)
			if err != nil {
				if !yield(abspath, err) {
					return fs.SkipAll
				}
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}
			if !yield(abspath, nil) {
				return fs.SkipAll
			}
			return nil
		}
		_ = fs.WalkDir(root.FS(), ".", fn)
	}
}

// Files collects the regular files under dir.
func Files(ctx context.Context, dir string) ([]string, error) {
	var ret []string
	for path, err := range Dir(ctx, dir) {
		if err != nil {
			return nil, err
		}
		ret = append(ret, path)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return ret, nil
}
