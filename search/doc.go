// Copyright 2025 Poiesic Systems
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


// Package search answers retrieval-augmented generation queries.
//
// A Retriever embeds a natural language query with the embedding generator
// and runs a filtered similarity search against the vector store. Queries
// restricted to several sources search each source concurrently and merge
// the hits into one ranking. Callers that already hold a vector can search
// with it directly.
//
// Embedding failures are returned to the caller; a query never degrades to
// an empty successful result because the model was unavailable.
package search
