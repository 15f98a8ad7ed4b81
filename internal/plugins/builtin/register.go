package builtin

import (
	"github.com/conneroisu/bundlr/internal/plugins"
	"github.com/spf13/afero"
)

// Options select the optional built-in plugins.
type Options struct {
	HTML *HTMLOptions
}

// Register installs the default loaders into r.
func Register(r *plugins.Registry, fs afero.Fs, opts Options) error {
	list := []plugins.Plugin{Script{}, Style{}, Component{}, Asset{}}
	if opts.HTML != nil {
		list = append(list, NewHTML(fs, *opts.HTML))
	}
	for _, p := range list {
		if err := r.Use(p); err != nil {
			return err
		}
	}
	return nil
}
