// Copyright 2024 The Edgemesh Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mls

import "encoding/json"

// welcomeEnvelope is the small JSON trailer the MLS provider appends after
// its own ratchet-tree welcome bytes, carrying the fields this module needs
// without parsing MLS wire structures itself: the new group's id, the
// inviting inbox, and the initial member set.
type welcomeEnvelope struct {
	GroupID       GroupID
	SenderInboxID string
	Members       []InstallationKey
}

func decodeWelcomeEnvelope(mlsWelcomeBytes []byte) (*welcomeEnvelope, error) {
	var env welcomeEnvelope
	if err := json.Unmarshal(mlsWelcomeBytes, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// encodeWelcomeEnvelope is used by test doubles of MLSProvider to build a
// welcome payload this pipeline can decode.
func encodeWelcomeEnvelope(groupID GroupID, senderInboxID string, members []InstallationKey) ([]byte, error) {
	return json.Marshal(welcomeEnvelope{GroupID: groupID, SenderInboxID: senderInboxID, Members: members})
}
