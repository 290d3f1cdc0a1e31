package universal

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"time"
)

// AssetProvider supplies the index template and server bundle engines are
// booted from.
type AssetProvider interface {
	// Load reads the current assets.
	Load() (Assets, error)

	// LiveReloadSupported reports whether LiveReloadRequired is meaningful.
	LiveReloadSupported() bool

	// LiveReloadRequired reports whether the assets changed after since.
	LiveReloadRequired(since time.Time) (bool, error)
}

type providerConfig struct {
	charset Charset
}

type ProviderOption func(config *providerConfig) error

// WithTemplateCharset sets the encoding of the index template.
// The default is UTF-8.
func WithTemplateCharset(label string) ProviderOption {
	return func(config *providerConfig) error {
		cs, err := LookupCharset(label)
		if err != nil {
			return err
		}
		config.charset = cs
		return nil
	}
}

func newProviderConfig(opts []ProviderOption) (*providerConfig, error) {
	config := &providerConfig{charset: DefaultCharset}
	for _, opt := range opts {
		if err := opt(config); err != nil {
			return nil, err
		}
	}
	return config, nil
}

// FSProvider serves assets from an fs.FS, such as an embed.FS.
// Its assets never change, so it does not support live reload.
type FSProvider struct {
	fsys       fs.FS
	indexPath  string
	bundlePath string
	charset    Charset
}

func NewFSProvider(fsys fs.FS, indexPath, bundlePath string, opts ...ProviderOption) (*FSProvider, error) {
	config, err := newProviderConfig(opts)
	if err != nil {
		return nil, err
	}

	return &FSProvider{
		fsys:       fsys,
		indexPath:  indexPath,
		bundlePath: bundlePath,
		charset:    config.charset,
	}, nil
}

func (p *FSProvider) Load() (Assets, error) {
	index, err := fs.ReadFile(p.fsys, p.indexPath)
	if err != nil {
		return Assets{}, fmt.Errorf("failed to read index template: %w", err)
	}

	template, err := p.charset.Decode(index)
	if err != nil {
		return Assets{}, fmt.Errorf("failed to decode index template: %w", err)
	}

	bundle, err := fs.ReadFile(p.fsys, p.bundlePath)
	if err != nil {
		return Assets{}, fmt.Errorf("failed to read server bundle: %w", err)
	}

	return Assets{
		Template:   template,
		Bundle:     bundle,
		BundleName: path.Base(p.bundlePath),
	}, nil
}

func (p *FSProvider) LiveReloadSupported() bool { return false }

func (p *FSProvider) LiveReloadRequired(time.Time) (bool, error) { return false, nil }

// FileProvider serves assets from files on disk and asks for a reload when
// either file is modified.
type FileProvider struct {
	indexPath  string
	bundlePath string
	charset    Charset
}

func NewFileProvider(indexPath, bundlePath string, opts ...ProviderOption) (*FileProvider, error) {
	config, err := newProviderConfig(opts)
	if err != nil {
		return nil, err
	}

	return &FileProvider{
		indexPath:  indexPath,
		bundlePath: bundlePath,
		charset:    config.charset,
	}, nil
}

func (p *FileProvider) Load() (Assets, error) {
	index, err := os.ReadFile(p.indexPath)
	if err != nil {
		return Assets{}, fmt.Errorf("failed to read index template: %w", err)
	}

	template, err := p.charset.Decode(index)
	if err != nil {
		return Assets{}, fmt.Errorf("failed to decode index template: %w", err)
	}

	bundle, err := os.ReadFile(p.bundlePath)
	if err != nil {
		return Assets{}, fmt.Errorf("failed to read server bundle: %w", err)
	}

	return Assets{
		Template:   template,
		Bundle:     bundle,
		BundleName: filepath.Base(p.bundlePath),
	}, nil
}

func (p *FileProvider) LiveReloadSupported() bool { return true }

func (p *FileProvider) LiveReloadRequired(since time.Time) (bool, error) {
	for _, name := range []string{p.indexPath, p.bundlePath} {
		info, err := os.Stat(name)
		if err != nil {
			return false, fmt.Errorf("failed to stat %s: %w", name, err)
		}
		if info.ModTime().After(since) {
			return true, nil
		}
	}
	return false, nil
}
