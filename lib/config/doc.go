// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for velo.
//
// The file is named by the VELO_CONFIG environment variable (via
// [Load]) or a --config flag (via [LoadFile]). Without either, [Load]
// returns [Default]. There is no discovery of files in well-known
// locations.
//
// Loading happens in a fixed order:
//
//  1. [Default] values
//  2. the YAML file, merged over the defaults
//  3. the core environment variables ([EnvStoreRoot], [EnvSocket],
//     [EnvPrefix], [EnvRoot], [EnvTimeout]), which win over the file
//  4. ${VAR} and ${VAR:-default} expansion in path fields, where
//     ${VELO_CAS_ROOT} means the store root after step 3
//  5. validation with go-playground/validator struct tags plus the
//     rules tags cannot express
//
// [Config.TargetEnvironment] goes the other way: it renders the
// settings a launched target process needs back into environment
// variables.
package config
