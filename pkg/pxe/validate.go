package pxe

import (
	"errors"
	"fmt"
	"net/netip"
	"path"
	"reflect"
	"strings"
	"sync"
	"unicode"

	"github.com/go-playground/validator/v10"
)

// ErrorKind classifies configuration errors.
type ErrorKind string

const (
	// InvalidPath reports a malformed root or boot-loader path.
	InvalidPath ErrorKind = "InvalidPath"

	// InvalidPort reports an out-of-range port.
	InvalidPort ErrorKind = "InvalidPort"

	// InvalidAddress reports a malformed bind host.
	InvalidAddress ErrorKind = "InvalidAddress"

	// InvalidValue reports any other malformed setting.
	InvalidValue ErrorKind = "InvalidValue"
)

// Sentinels for errors.Is; they match any field of their kind.
var (
	ErrInvalidPath    = &ValidationError{Kind: InvalidPath}
	ErrInvalidPort    = &ValidationError{Kind: InvalidPort}
	ErrInvalidAddress = &ValidationError{Kind: InvalidAddress}
	ErrInvalidValue   = &ValidationError{Kind: InvalidValue}
)

// ValidationError reports one invalid configuration field.
type ValidationError struct {
	Kind   ErrorKind   `json:"kind"`
	Field  string      `json:"field"`
	Value  interface{} `json:"value,omitempty"`
	Reason string      `json:"reason,omitempty"`
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s=%v: %s", e.Kind, e.Field, e.Value, e.Reason)
}

// Is matches another ValidationError of the same kind. A target without a
// field matches every field.
func (e *ValidationError) Is(target error) bool {
	t, ok := target.(*ValidationError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Field == "" || t.Field == e.Field)
}

// ValidationErrors collects every invalid field of a configuration.
type ValidationErrors []*ValidationError

// Error implements the error interface.
func (v ValidationErrors) Error() string {
	msgs := make([]string, len(v))
	for i, e := range v {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "; ")
}

// Unwrap exposes the individual errors to errors.Is and errors.As.
func (v ValidationErrors) Unwrap() []error {
	out := make([]error, len(v))
	for i, e := range v {
		out[i] = e
	}
	return out
}

// fieldKinds maps configuration keys to the error kind they raise.
var fieldKinds = map[string]ErrorKind{
	"tftp_root":      InvalidPath,
	"http_root":      InvalidPath,
	"syslinux_path":  InvalidPath,
	"http_port":      InvalidPort,
	"tftp_bind_host": InvalidAddress,
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// configValidator returns the shared validator with the custom rules registered.
func configValidator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New()
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" || name == "" {
				return fld.Name
			}
			return name
		})
		v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
			if p, ok := field.Interface().(OptionalPath); ok {
				return p.Path
			}
			return nil
		}, OptionalPath{})
		_ = v.RegisterValidation("abspath", func(fl validator.FieldLevel) bool {
			return IsCleanAbsPath(fl.Field().String())
		})
		_ = v.RegisterValidation("nowhitespace", func(fl validator.FieldLevel) bool {
			return !strings.ContainsFunc(fl.Field().String(), unicode.IsSpace)
		})
		// Removal is expressed by the backend and feature switches, which
		// also take down what depends on the packages.
		_ = v.RegisterValidation("packageensure", func(fl validator.FieldLevel) bool {
			s := fl.Field().String()
			if s == "absent" || s == "purged" {
				return false
			}
			return s != "" && !strings.ContainsFunc(s, unicode.IsSpace)
		})
		validate = v
	})
	return validate
}

// IsCleanAbsPath reports whether p is an absolute, already-clean path.
func IsCleanAbsPath(p string) bool {
	if p == "" || strings.ContainsAny(p, "\x00\n\r") {
		return false
	}
	return path.IsAbs(p) && path.Clean(p) == p
}

// Validate turns a raw configuration into a Config, applying defaults.
// It never touches the system; every error is a *ValidationError or
// ValidationErrors. Roots are checked against the paths derived for every
// built-in profile; use ValidateFor when the profile is known.
func Validate(raw RawConfig) (Config, error) {
	return validateConfig(raw, DebianProfile(0), RedHatProfile(0))
}

// ValidateFor is Validate with the roots checked against the paths derived
// for profile, which may come from a plugin.
func ValidateFor(raw RawConfig, profile PlatformProfile) (Config, error) {
	return validateConfig(raw, profile)
}

func validateConfig(raw RawConfig, profiles ...PlatformProfile) (Config, error) {
	var errs ValidationErrors

	if err := configValidator().Struct(raw); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return Config{}, err
		}
		for _, fe := range fieldErrs {
			errs = append(errs, toValidationError(fe))
		}
	}

	cfg := DefaultConfig()
	if raw.TFTPRoot != "" {
		cfg.TFTPRoot = raw.TFTPRoot
	}
	if raw.HTTPRoot != "" {
		cfg.HTTPRoot = raw.HTTPRoot
	}
	if raw.HTTPPort != nil {
		cfg.HTTPPort = uint16(*raw.HTTPPort)
	}
	if raw.IPXETimeout != nil {
		cfg.IPXETimeout = uint(*raw.IPXETimeout)
	}
	if raw.TFTPBindHost != "" {
		addr, err := netip.ParseAddr(raw.TFTPBindHost)
		if err != nil {
			// Already reported by the ip rule.
			addr = netip.Addr{}
		}
		cfg.TFTPBindHost = addr.Unmap()
	}
	if raw.UseXinetdBackend != nil && !*raw.UseXinetdBackend {
		cfg.Backend = EmbeddedBackend{LogFacility: raw.DnsmasqLogFacility}
	}
	cfg.SyslinuxPath = raw.SyslinuxPath.Path
	if raw.IPXEChainloadEnabled != nil {
		cfg.IPXEChainloadEnabled = *raw.IPXEChainloadEnabled
	}
	if raw.PackageEnsure != "" {
		cfg.PackageEnsure = raw.PackageEnsure
	}

	// Both roots become directory intents keyed by path.
	if cfg.TFTPRoot == cfg.HTTPRoot {
		errs = append(errs, &ValidationError{
			Kind:   InvalidPath,
			Field:  "http_root",
			Value:  cfg.HTTPRoot,
			Reason: "must differ from tftp_root",
		})
	}
	errs = append(errs, checkRoots(cfg, profiles)...)

	switch len(errs) {
	case 0:
		return cfg, nil
	case 1:
		return Config{}, errs[0]
	default:
		return Config{}, errs
	}
}

// checkRoots rejects a root that is, or lies below, a file or directory
// the resolver derives from the TFTP root and profile.
func checkRoots(cfg Config, profiles []PlatformProfile) ValidationErrors {
	roots := []struct{ field, path string }{
		{"tftp_root", cfg.TFTPRoot},
		{"http_root", cfg.HTTPRoot},
	}

	var errs ValidationErrors
	for _, root := range roots {
		if p, ok := collision(root.path, cfg.TFTPRoot, profiles); ok {
			errs = append(errs, &ValidationError{
				Kind:   InvalidPath,
				Field:  root.field,
				Value:  root.path,
				Reason: fmt.Sprintf("collides with managed path %s", p),
			})
		}
	}
	return errs
}

func collision(root, tftpRoot string, profiles []PlatformProfile) (string, bool) {
	for _, profile := range profiles {
		for _, p := range derivedPaths(tftpRoot, profile) {
			if root == p || strings.HasPrefix(root, p+"/") {
				return p, true
			}
		}
	}
	return "", false
}

// toValidationError converts a validator field error.
func toValidationError(fe validator.FieldError) *ValidationError {
	kind, ok := fieldKinds[fe.Field()]
	if !ok {
		kind = InvalidValue
	}

	value := fe.Value()
	if p, ok := value.(*int); ok && p != nil {
		value = *p
	}

	return &ValidationError{
		Kind:   kind,
		Field:  fe.Field(),
		Value:  value,
		Reason: describeRule(fe),
	}
}

func describeRule(fe validator.FieldError) string {
	switch fe.Tag() {
	case "abspath":
		return "must be an absolute, clean path"
	case "ne":
		return fmt.Sprintf("must not be %s", fe.Param())
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "ip":
		return "must be an IPv4 or IPv6 address"
	case "nowhitespace":
		return "must be a single word"
	case "packageensure":
		return "must be present, installed, latest or a version"
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}
