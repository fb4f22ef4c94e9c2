package upload

import (
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
)

// AzureBlobSink archives completed file transfers to an Azure Storage
// container, authenticating via DefaultAzureCredential. It satisfies
// BlobSink and is wired in optionally by cmd/sglc-bridged when an account
// URL and container are configured.
type AzureBlobSink struct {
	client    *azblob.Client
	container string
}

// NewAzureBlobSink constructs a sink against accountURL (e.g.
// "https://<account>.blob.core.windows.net") using ambient Azure
// credentials (environment, managed identity, or Azure CLI login).
func NewAzureBlobSink(accountURL, container string) (*AzureBlobSink, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("blob sink: credential: %w", err)
	}
	client, err := azblob.NewClient(accountURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("blob sink: client: %w", err)
	}
	return &AzureBlobSink{client: client, container: container}, nil
}

// Upload writes data under key in the sink's configured container.
func (s *AzureBlobSink) Upload(ctx context.Context, key string, data []byte) error {
	_, err := s.client.UploadBuffer(ctx, s.container, key, data, nil)
	if err != nil {
		return fmt.Errorf("blob sink: upload %s/%s: %w", s.container, key, err)
	}
	return nil
}
