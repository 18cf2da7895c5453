/*
Copyright 2025 Mosaic HQ Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package model

import (
	"errors"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/mosaic-hq/provisio/model"
)

func (p *CreateProject) ValidateCreateProject() error {
	return validation.ValidateStruct(p,
		validation.Field(&p.Name, validation.Required),
		validation.Field(&p.OwnerID, validation.Required),
	)
}

func (p *CreateProject) ToProject() model.Project {
	return model.Project{
		Name:     p.Name,
		OwnerID:  p.OwnerID,
		MetaData: p.MetaData,
	}
}

func (p *ProvisionProject) ValidateProvisionProject() error {
	return validation.ValidateStruct(p,
		validation.Field(&p.IdempotencyKey, validation.Required),
	)
}

func (u *UpdateSyncStatus) ValidateUpdateSyncStatus() error {
	return validation.ValidateStruct(u,
		validation.Field(&u.Status, validation.Required, validation.By(func(value interface{}) error {
			status, ok := value.(string)
			if !ok || !model.IsValidSyncStatus(status) {
				return errors.New("status must be one of pending, syncing, synced, failed")
			}
			return nil
		})),
	)
}
