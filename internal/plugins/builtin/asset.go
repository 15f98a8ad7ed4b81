package builtin

import (
	"context"
	"path"
	"strconv"

	"github.com/conneroisu/bundlr/internal/module"
	"github.com/conneroisu/bundlr/internal/plugins"
)

// AssetTypes are copied to the output as files.
var AssetTypes = []string{"png", "jpg", "jpeg", "gif", "svg", "webp", "avif", "ico", "woff", "woff2", "ttf", "eot"}

// Asset turns binary files into side-channel file assets. The module exports
// the public URL of the copied file.
type Asset struct{}

func (Asset) Name() string { return "asset" }

func (Asset) Setup(r *plugins.Registry) error {
	r.OnTransform(plugins.TransformStage{Name: "resource", Version: "1", Priority: 0, Run: assetResource}, AssetTypes...)
	return nil
}

func assetResource(_ context.Context, tc plugins.TransformContext, in plugins.Unit) (plugins.Unit, error) {
	return plugins.Unit{
		Code: []byte("module.exports = " + strconv.Quote(module.AssetPlaceholder(tc.Identity)) + ";\n"),
		Assets: []module.Asset{{
			Name:    path.Base(tc.Identity.Path),
			Kind:    module.AssetFile,
			Content: in.Code,
		}},
		Pure: true,
	}, nil
}
