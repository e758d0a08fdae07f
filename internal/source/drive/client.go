// Package drive implements source.Client on top of a Google Drive folder.
package drive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dvloznov/transaction-ingest/internal/domain"
	"github.com/dvloznov/transaction-ingest/internal/logger"
	"github.com/dvloznov/transaction-ingest/internal/source"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	csvMimeType = "text/csv"
	listFields  = "nextPageToken, files(id, name, modifiedTime)"
	pageSize    = 100
)

// Client lists CSV files in one Drive folder.
type Client struct {
	svc             *drive.Service
	folderID        string
	archiveFolderID string
}

// Options configures a Client.
type Options struct {
	FolderID string
	// ArchiveFolderID, when set, makes Retire move files there instead of
	// trashing them.
	ArchiveFolderID string
	// CredentialsFile is a service account key. Empty means Application
	// Default Credentials.
	CredentialsFile string
}

// NewClient creates a Drive client. Extra options are appended after the
// credentials option, which lets tests point it at a local server.
func NewClient(ctx context.Context, opts Options, extra ...option.ClientOption) (*Client, error) {
	if opts.FolderID == "" {
		return nil, fmt.Errorf("NewClient: folder ID is required")
	}

	clientOpts := []option.ClientOption{option.WithScopes(drive.DriveScope)}
	if opts.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(opts.CredentialsFile))
	}
	clientOpts = append(clientOpts, extra...)

	svc, err := drive.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("NewClient: creating drive service: %w", err)
	}

	return &Client{
		svc:             svc,
		folderID:        opts.FolderID,
		archiveFolderID: opts.ArchiveFolderID,
	}, nil
}

// ListQuery returns the Drive search expression for CSV files in folderID.
func ListQuery(folderID string) string {
	return fmt.Sprintf("'%s' in parents and mimeType = '%s' and trashed = false", queryEscaper.Replace(folderID), csvMimeType)
}

// queryEscaper quotes a value for use inside a single-quoted Drive query string.
var queryEscaper = strings.NewReplacer(`\`, `\\`, `'`, `\'`)

// ListCandidates implements source.Client.
func (c *Client) ListCandidates(ctx context.Context) ([]domain.FileDescriptor, error) {
	log := logger.FromContext(ctx)

	var files []domain.FileDescriptor
	err := c.svc.Files.List().
		Q(ListQuery(c.folderID)).
		Fields(listFields).
		PageSize(pageSize).
		Pages(ctx, func(page *drive.FileList) error {
			for _, f := range page.Files {
				modified, err := time.Parse(time.RFC3339, f.ModifiedTime)
				if err != nil && f.ModifiedTime != "" {
					log.Warn().Err(err).Str("file_id", f.Id).Msg("Unparseable modifiedTime")
				}
				files = append(files, domain.FileDescriptor{
					ID:         f.Id,
					Name:       f.Name,
					ModifiedAt: modified,
				})
			}
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("ListCandidates: listing folder %s: %w", c.folderID, err)
	}

	return files, nil
}

// Download implements source.Client.
func (c *Client) Download(ctx context.Context, fileID string) (io.ReadCloser, error) {
	resp, err := c.svc.Files.Get(fileID).Context(ctx).Download()
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("Download: %s: %w", fileID, source.ErrNotFound)
		}
		return nil, fmt.Errorf("Download: %s: %w", fileID, err)
	}
	return resp.Body, nil
}

// Retire implements source.Client. Files are moved to the archive folder
// when one is configured and trashed otherwise.
func (c *Client) Retire(ctx context.Context, fileID string) error {
	call := c.svc.Files.Update(fileID, &drive.File{})
	if c.archiveFolderID != "" {
		call = call.AddParents(c.archiveFolderID).RemoveParents(c.folderID)
	} else {
		call = c.svc.Files.Update(fileID, &drive.File{Trashed: true})
	}

	if _, err := call.Fields("id").Context(ctx).Do(); err != nil {
		if isNotFound(err) {
			return fmt.Errorf("Retire: %s: %w", fileID, source.ErrNotFound)
		}
		return fmt.Errorf("Retire: %s: %w", fileID, err)
	}
	return nil
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}

// Ensure Client implements source.Client.
var _ source.Client = (*Client)(nil)
