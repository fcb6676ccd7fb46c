package crds

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"path"

	"github.com/go-logr/logr"
	apiextensionsv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"
	"sigs.k8s.io/yaml"
)

//go:embed manifests/*.yaml
var manifests embed.FS

// Load decodes the embedded CustomResourceDefinitions
func Load() ([]*apiextensionsv1.CustomResourceDefinition, error) {
	return load(manifests, "manifests")
}

func load(files fs.FS, dir string) ([]*apiextensionsv1.CustomResourceDefinition, error) {
	entries, err := fs.ReadDir(files, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list CRD manifests: %w", err)
	}
	var out []*apiextensionsv1.CustomResourceDefinition
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		raw, err := fs.ReadFile(files, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", entry.Name(), err)
		}
		crd := &apiextensionsv1.CustomResourceDefinition{}
		if err := yaml.UnmarshalStrict(raw, crd); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", entry.Name(), err)
		}
		out = append(out, crd)
	}
	return out, nil
}

// Install creates the embedded CustomResourceDefinitions or updates their spec
func Install(ctx context.Context, c client.Client) error {
	log := logr.FromContextOrDiscard(ctx)
	crds, err := Load()
	if err != nil {
		return err
	}
	for _, desired := range crds {
		crd := &apiextensionsv1.CustomResourceDefinition{}
		crd.Name = desired.Name
		result, err := controllerutil.CreateOrUpdate(ctx, c, crd, func() error {
			crd.Labels = desired.Labels
			crd.Annotations = desired.Annotations
			crd.Spec = desired.Spec
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to install CRD %s: %w", desired.Name, err)
		}
		log.Info("custom resource definition installed", "name", desired.Name, "result", result)
	}
	return nil
}
