// Copyright 2026 The Fedsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package round runs server-side aggregation rounds.
//
// Participants drop trained graphs into a pending directory, either
// plain (*.fsg) or sealed to the server's age key (*.fsg.age). When at
// least MinUpdates are pending, a round averages them with federated
// averaging, writes the result into a copy of the live model, and
// publishes it:
//
//	<models>/global_model_<unix>.fsg    the new global model
//	<live dir>/<live>_old_<unix>.fsg    the previous live model
//	<live>                              replaced atomically
//	<models>/manifest.cbor              version, size, digest, count
//
// Processed updates are deleted; updates that cannot be read are moved
// to <pending>/rejected. Rounds take an exclusive flock on the pending
// directory, so overlapping rounds from several processes skip rather
// than race. [Runner.Watch] runs rounds on an interval.
//
// [Aggregate] is the same averaging step over explicit file paths,
// used by "fedsync aggregate".
package round
