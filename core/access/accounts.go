// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package access

import (
	"context"
	"fmt"
	"strings"

	"github.com/relabs-tech/devicemanager/core/registry"
)

// Account assigns roles to an identity whose token carries no roles
type Account struct {
	Identity string   `json:"identity"`
	Roles    []string `json:"roles"`
}

// Accounts stores account roles in the registry
type Accounts struct {
	accessor registry.Accessor
}

// NewAccounts returns the accounts stored in the registry
func NewAccounts(r registry.Registry) *Accounts {
	return &Accounts{accessor: r.Accessor("accounts")}
}

// Roles returns the roles of an identity. Unknown identities have no roles.
func (a *Accounts) Roles(ctx context.Context, identity string) ([]string, error) {
	var account Account
	_, err := a.accessor.Read(ctx, strings.ToLower(identity), &account)
	return account.Roles, err
}

// EnsureAccounts creates or updates the specified accounts
func (a *Accounts) EnsureAccounts(ctx context.Context, accounts ...Account) error {
	for _, account := range accounts {
		for _, role := range account.Roles {
			if _, ok := rolePermissions[role]; !ok {
				return fmt.Errorf("unknown role '%s' for %s", role, account.Identity)
			}
		}
		if err := a.accessor.Write(ctx, strings.ToLower(account.Identity), account); err != nil {
			return err
		}
	}
	return nil
}
