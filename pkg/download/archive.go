package download

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
)

// ExtractTarGz unpacks a gzip compressed tar archive into destDir. Every
// entry lands under destDir whatever its name says.
func ExtractTarGz(archive, destDir string) error {
	f, err := os.Open(archive)
	if err != nil {
		return errors.Wrapf(err, "unable to open %s", archive)
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "%s is not gzip compressed", archive)
	}
	defer zr.Close()

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return errors.Wrapf(err, "unable to create %s", destDir)
	}
	root, err := filepath.Abs(destDir)
	if err != nil {
		return err
	}

	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "reading %s", archive)
		}

		// rooting the name before joining keeps "../" entries inside root
		target := filepath.Join(root, filepath.Clean("/"+hdr.Name))

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return errors.Wrapf(err, "unable to create %s", target)
			}
		case tar.TypeReg:
			if err := writeEntry(tr, target, os.FileMode(hdr.Mode).Perm()); err != nil {
				return err
			}
		default:
			// links and devices have no place in a firmware bundle
			continue
		}
	}
}

func writeEntry(r io.Reader, target string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return errors.Wrapf(err, "unable to create %s", filepath.Dir(target))
	}
	if mode == 0 {
		mode = 0644
	}
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return errors.Wrapf(err, "unable to create %s", target)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return errors.Wrapf(err, "unable to write %s", target)
	}
	return out.Close()
}
