package secrets

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/keyvault/azsecrets"
)

// AzureKeyVaultStore resolves secrets from an Azure Key Vault, for
// deployments that need a managed secret store rather than environment
// variables. Authentication uses the ambient Azure credential chain
// (azidentity.DefaultAzureCredential), not an inline key.
type AzureKeyVaultStore struct {
	client *azsecrets.Client
}

// NewAzureKeyVaultStore builds a store against the vault at vaultURL
// (e.g. "https://my-vault.vault.azure.net/").
func NewAzureKeyVaultStore(vaultURL string, opts *azidentity.DefaultAzureCredentialOptions) (*AzureKeyVaultStore, error) {
	cred, err := azidentity.NewDefaultAzureCredential(opts)
	if err != nil {
		return nil, fmt.Errorf("secrets: azure credential: %w", err)
	}
	client, err := azsecrets.NewClient(vaultURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("secrets: azure client: %w", err)
	}
	return &AzureKeyVaultStore{client: client}, nil
}

func (s *AzureKeyVaultStore) LoadSecret(ctx context.Context, name string) ([]byte, time.Time, error) {
	resp, err := s.client.GetSecret(ctx, name, "", nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == 404 {
			return nil, time.Time{}, ErrNotFound
		}
		return nil, time.Time{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp.Value == nil {
		return nil, time.Time{}, ErrNotFound
	}
	loadedAt := time.Now()
	if resp.Attributes != nil && resp.Attributes.Updated != nil {
		loadedAt = *resp.Attributes.Updated
	}
	return []byte(*resp.Value), loadedAt, nil
}
