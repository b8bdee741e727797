// Copyright 2025 Alexander Alten (novatechflow), NovaTechflow (novatechflow.com).
// This project is supported and financed by Scalytics, Inc. (www.scalytics.io).
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package protocol

// API keys served by the Strata broker.
const (
	APIKeyProduce     int16 = 0
	APIKeyFetch       int16 = 1
	APIKeyListOffsets int16 = 2
	APIKeyMetadata    int16 = 3
	APIKeyHeartbeat   int16 = 12
	APIKeyApiVersion  int16 = 18
)

// ApiVersion is one row of an ApiVersions response: an API key and the
// inclusive version range the broker accepts for it.
type ApiVersion struct {
	APIKey     int16
	MinVersion int16
	MaxVersion int16
}
