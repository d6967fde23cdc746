package httpapi

import (
	"fmt"
	"net/http"
)

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>GraphRelay Ingress</title>
  <style>
    :root {
      --ink: #14202b;
      --paper: #f6f7f4;
      --card: #ffffff;
      --line: #d4dbd6;
      --accent: #2d6a9f;
      --danger: #bb4430;
      --muted: #6b7a76;
    }
    * { box-sizing: border-box; }
    body {
      margin: 0;
      padding: 20px;
      min-height: 100vh;
      color: var(--ink);
      background: var(--paper);
      font-family: "Segoe UI", "Avenir Next", sans-serif;
    }
    .shell { max-width: 960px; margin: 0 auto; display: grid; gap: 14px; }
    .bar, .panel {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 12px;
      padding: 14px;
    }
    h1 { margin: 0; font-size: 1.3rem; }
    .sub { margin-top: 4px; color: var(--muted); font-size: 0.88rem; }
    .controls { display: grid; gap: 8px; grid-template-columns: 1.4fr 1fr auto; margin-top: 10px; }
    .controls input {
      border: 1px solid var(--line);
      border-radius: 8px;
      padding: 9px 11px;
      font-size: 0.9rem;
    }
    button {
      border: 0;
      border-radius: 8px;
      padding: 9px 14px;
      font-weight: 700;
      cursor: pointer;
      background: var(--accent);
      color: #fff;
    }
    table { width: 100%; border-collapse: collapse; font-size: 0.85rem; }
    th, td { text-align: left; border-bottom: 1px solid var(--line); padding: 7px 6px; }
    th { color: var(--muted); text-transform: uppercase; font-size: 0.7rem; letter-spacing: 0.07em; }
    .err { color: var(--danger); }
    .mono { font-family: Menlo, Consolas, monospace; }
    #status { margin-top: 8px; font-size: 0.84rem; color: var(--muted); }
  </style>
</head>
<body>
  <main class="shell">
    <section class="bar">
      <h1>GraphRelay Ingress</h1>
      <div class="sub">Per-account webhook counters and tracked change subscriptions.</div>
      <div class="controls">
        <input id="token" type="password" placeholder="Bearer token (ingress:read + subscriptions:manage)" autocomplete="off" />
        <input id="account" type="text" placeholder="account (mailbox address)" autocomplete="off" />
        <button id="refresh" type="button">Refresh</button>
      </div>
      <div id="status">idle</div>
    </section>

    <section class="panel">
      <h2>Ingress Counters</h2>
      <table>
        <thead><tr><th>Accepted</th><th>Deduped</th><th>Suppressed</th><th>Dropped</th></tr></thead>
        <tbody id="counterRow"><tr><td colspan="4">no data</td></tr></tbody>
      </table>
    </section>

    <section class="panel">
      <h2>Subscriptions</h2>
      <table>
        <thead><tr><th>ID</th><th>Resource</th><th>Expires</th></tr></thead>
        <tbody id="subRows"><tr><td colspan="3">no data</td></tr></tbody>
      </table>
    </section>
  </main>

  <script>
    (function () {
      const statusEl = document.getElementById("status");

      function cid() {
        return "dash_" + Date.now() + "_" + Math.random().toString(16).slice(2, 8);
      }

      async function request(path) {
        const token = document.getElementById("token").value.trim();
        if (!token) {
          throw new Error("missing token");
        }
        const response = await fetch(path, {
          headers: {
            "Authorization": "Bearer " + token,
            "X-Correlation-Id": cid(),
          },
        });
        const data = await response.json();
        if (!response.ok) {
          throw new Error(response.status + " " + String(data.code || "error") + ": " + String(data.message || ""));
        }
        return data;
      }

      async function refresh() {
        const account = document.getElementById("account").value.trim();
        if (!account) {
          statusEl.textContent = "enter account";
          return;
        }
        statusEl.textContent = "refreshing...";
        try {
          const base = "/v1/accounts/" + encodeURIComponent(account);
          const [counts, subs] = await Promise.all([
            request(base + "/ingress"),
            request(base + "/subscriptions"),
          ]);
          document.getElementById("counterRow").innerHTML =
            "<tr><td>" + counts.acceptedTotal + "</td><td>" + counts.dedupedTotal +
            "</td><td>" + counts.suppressedTotal + "</td><td>" + counts.droppedTotal + "</td></tr>";
          const rows = (subs.subscriptions || []).map(function (sub) {
            return "<tr><td class=\"mono\">" + sub.id + "</td><td class=\"mono\">" + sub.resource +
              "</td><td>" + sub.expirationDateTime + "</td></tr>";
          });
          document.getElementById("subRows").innerHTML = rows.length ? rows.join("") : "<tr><td colspan=\"3\">none</td></tr>";
          statusEl.textContent = "ok, " + new Date().toLocaleTimeString();
        } catch (err) {
          statusEl.textContent = String(err && err.message ? err.message : err);
          statusEl.className = "err";
        }
      }

      document.getElementById("refresh").addEventListener("click", refresh);
    })();
  </script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, dashboardHTML)
}
