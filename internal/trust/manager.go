package trust

import (
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"

	"github.com/gobwas/glob"

	"github.com/kernelsu/ksud/internal/ksuerr"
)

// ManagerOptions describes where the manager is installed and which signer
// it must carry.
type ManagerOptions struct {
	Package  string
	AppDir   string
	DataDir  string
	Expected Fingerprint
}

// Status is the result of checking the installed manager.
type Status struct {
	Package     string      `json:"package"`
	APK         string      `json:"apk,omitempty"`
	Fingerprint Fingerprint `json:"fingerprint"`
	Result      Result      `json:"-"`
	Trusted     bool        `json:"trusted"`
	UID         int         `json:"uid"`
}

// Authorizer decides which callers may administer the framework: root, and
// the manager app when its installed package verifies Trusted.
type Authorizer struct {
	opts   ManagerOptions
	logger *slog.Logger

	// ownerUID is swappable for tests.
	ownerUID func(path string) (int, error)
}

// NewAuthorizer returns an Authorizer for opts. Pass nil for logger to
// disable logging.
func NewAuthorizer(opts ManagerOptions, logger *slog.Logger) *Authorizer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Authorizer{opts: opts, logger: logger, ownerUID: ownerUID}
}

// LocateAPK finds the installed base.apk of pkg under appDir. Android
// installs packages at <appDir>/[~~random/]<pkg>-<suffix>/base.apk.
func LocateAPK(appDir, pkg string) (string, error) {
	g, err := glob.Compile("**/"+glob.QuoteMeta(pkg)+"-*/base.apk", '/')
	if err != nil {
		return "", ksuerr.New(ksuerr.Unknown, "trust.locate", pkg, err)
	}
	var found []string
	walkErr := filepath.WalkDir(appDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == appDir {
				return err
			}
			return nil
		}
		if d.IsDir() || d.Name() != "base.apk" {
			return nil
		}
		rel, err := filepath.Rel(appDir, path)
		if err != nil {
			return nil
		}
		if g.Match("/" + filepath.ToSlash(rel)) {
			found = append(found, path)
		}
		return nil
	})
	if walkErr != nil {
		if errors.Is(walkErr, fs.ErrNotExist) {
			return "", ksuerr.New(ksuerr.NotFound, "trust.locate", pkg, walkErr)
		}
		return "", ksuerr.New(ksuerr.IoError, "trust.locate", pkg, walkErr)
	}
	if len(found) == 0 {
		return "", ksuerr.Errorf(ksuerr.NotFound, "trust.locate", pkg, "package not installed under %s", appDir)
	}
	sort.Strings(found)
	return found[0], nil
}

// CheckManager locates the manager package and verifies its signer.
func (a *Authorizer) CheckManager() (Status, error) {
	st := Status{Package: a.opts.Package, UID: -1}
	apk, err := LocateAPK(a.opts.AppDir, a.opts.Package)
	if err != nil {
		return st, err
	}
	st.APK = apk
	fp, err := FingerprintFile(apk)
	if err != nil {
		return st, err
	}
	st.Fingerprint = fp
	st.Result = Verify(fp, a.opts.Expected)
	st.Trusted = st.Result == Trusted
	if uid, err := a.ownerUID(filepath.Join(a.opts.DataDir, a.opts.Package)); err == nil {
		st.UID = uid
	}
	a.logger.Debug("manager checked", "apk", apk, "fingerprint", fp.String(), "result", st.Result.String(), "uid", st.UID)
	return st, nil
}

// AuthorizeCaller returns nil if uid may administer the framework and a
// PermissionDenied error otherwise.
func (a *Authorizer) AuthorizeCaller(uid int) error {
	if uid == 0 {
		return nil
	}
	if a.opts.Expected.IsZero() {
		return ksuerr.Errorf(ksuerr.PermissionDenied, "trust.authorize", "", "uid %d: no manager fingerprint configured", uid)
	}
	st, err := a.CheckManager()
	if err != nil {
		a.logger.Warn("manager check failed", "uid", uid, "error", err)
		return ksuerr.New(ksuerr.PermissionDenied, "trust.authorize", "", err)
	}
	if !st.Trusted {
		return ksuerr.Errorf(ksuerr.PermissionDenied, "trust.authorize", "", "uid %d: manager signature untrusted", uid)
	}
	if st.UID != uid {
		return ksuerr.Errorf(ksuerr.PermissionDenied, "trust.authorize", "", "uid %d is not the manager", uid)
	}
	return nil
}
