// Package storage lists and reads the case files and admin knowledge-base
// documents behind each scope. Two backends exist: an S3-compatible bucket
// and a local directory, both using the same key layout:
//
//	admin_kb/<filename>
//	user_kb/<case id>/<filename>
package storage

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/54b3r/casechat/internal/env"
	"github.com/54b3r/casechat/internal/rag"
)

const (
	adminPrefix = "admin_kb/"
	userPrefix  = "user_kb/"
)

// Lister lists and reads files per scope.
type Lister interface {
	rag.FileLister
	// ReadFile returns the content of one file in scope.
	ReadFile(ctx context.Context, scope rag.Scope, name string) ([]byte, error)
}

// Prefix returns the key prefix holding scope's files. NoScope maps to the
// admin knowledge base, which is the only corpus an unscoped chat can see.
func Prefix(scope rag.Scope) (string, error) {
	switch {
	case scope.IsNone(), scope == rag.AdminScope:
		return adminPrefix, nil
	case scope.CaseID() != "":
		id := scope.CaseID()
		if strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
			return "", fmt.Errorf("storage: %w: case id %q", rag.ErrInvalidInput, id)
		}
		return userPrefix + id + "/", nil
	default:
		return "", fmt.Errorf("storage: %w: unsupported scope %q", rag.ErrInvalidInput, scope)
	}
}

// validName rejects names that would escape the scope prefix.
func validName(name string) error {
	if name == "" || name != path.Base(name) || name == "." || name == ".." || strings.Contains(name, `\`) {
		return fmt.Errorf("storage: %w: file name %q", rag.ErrInvalidInput, name)
	}
	return nil
}

// Catalog returns the topic catalog for scope: the admin knowledge-base file
// names followed by the case's own file names, without duplicates.
func Catalog(ctx context.Context, lister rag.FileLister, scope rag.Scope) ([]string, error) {
	scopes := []rag.Scope{rag.AdminScope}
	if scope.CaseID() != "" {
		scopes = append(scopes, scope)
	}

	seen := make(map[string]struct{})
	var names []string
	for _, s := range scopes {
		files, err := lister.ListFiles(ctx, s)
		if err != nil {
			return names, fmt.Errorf("storage: catalog %q: %w", s, err)
		}
		for _, f := range files {
			if _, dup := seen[f.Name]; dup {
				continue
			}
			seen[f.Name] = struct{}{}
			names = append(names, f.Name)
		}
	}
	return names, nil
}

func sortFiles(files []rag.FileInfo) {
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
}

// NewFromEnv builds a Lister from STORAGE_BACKEND (s3 | local, default local).
//
//	STORAGE_LOCAL_ROOT      root directory for the local backend (default ./data)
//	S3_BUCKET, S3_REGION    bucket and region for the s3 backend
//	S3_ENDPOINT             optional S3-compatible endpoint (MinIO, R2, Supabase)
//	S3_ACCESS_KEY_ID, S3_SECRET_ACCESS_KEY  optional static credentials
func NewFromEnv(ctx context.Context) (Lister, error) {
	switch backend := env.Lower("STORAGE_BACKEND", "local"); backend {
	case "local":
		return NewLocalLister(env.String("STORAGE_LOCAL_ROOT", "./data")), nil
	case "s3":
		return NewS3Lister(ctx, &S3Config{
			Bucket:          env.String("S3_BUCKET", ""),
			Region:          env.String("S3_REGION", ""),
			Endpoint:        env.String("S3_ENDPOINT", ""),
			AccessKeyID:     env.String("S3_ACCESS_KEY_ID", ""),
			SecretAccessKey: env.String("S3_SECRET_ACCESS_KEY", ""),
		})
	default:
		return nil, fmt.Errorf("storage: unknown STORAGE_BACKEND %q: valid values: local, s3", backend)
	}
}
