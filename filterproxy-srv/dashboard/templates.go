package dashboard

// dashboardPage renders the initial summary server-side and keeps it
// fresh over the websocket feed.
const dashboardPage = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>filterproxy dashboard</title>
<style>
body { font-family: sans-serif; margin: 2rem; background: #f5f5f5; }
h1 { font-size: 1.4rem; }
.cards { display: flex; gap: 1rem; flex-wrap: wrap; }
.card { background: #fff; border-radius: 6px; padding: 1rem 1.5rem; box-shadow: 0 1px 3px rgba(0,0,0,.15); }
.card .value { font-size: 1.6rem; font-weight: bold; }
.card .label { color: #666; font-size: .85rem; }
#status.active { color: #2d8a34; }
#status.inactive { color: #b02a2a; }
table { margin-top: 1.5rem; border-collapse: collapse; background: #fff; }
th, td { padding: .4rem .9rem; border-bottom: 1px solid #ddd; text-align: left; }
</style>
</head>
<body>
<h1>filterproxy dashboard <span id="status" class="{{if .ProxyActive}}active{{else}}inactive{{end}}">{{if .ProxyActive}}&#9679; active{{else}}&#9675; inactive{{end}}</span></h1>
<div class="cards">
  <div class="card"><div class="value" id="total">{{.TotalRequests}}</div><div class="label">requests</div></div>
  <div class="card"><div class="value" id="blocked">{{.BlockedRequests}}</div><div class="label">blocked</div></div>
  <div class="card"><div class="value" id="latency">{{printf "%.1f" .AvgLatencyMS}} ms</div><div class="label">avg latency</div></div>
  <div class="card"><div class="value" id="bandwidth">{{.TotalBandwidth}}</div><div class="label">bytes transferred</div></div>
  <div class="card"><div class="value" id="clients">{{.UniqueClients}}</div><div class="label">unique clients</div></div>
</div>
<table>
  <thead><tr><th>domain</th><th>requests</th></tr></thead>
  <tbody id="domains">
  {{range $i, $label := .TopDomainsLabels}}<tr><td>{{$label}}</td><td>{{index $.TopDomainsData $i}}</td></tr>
  {{end}}
  </tbody>
</table>
<script>
(function () {
  var proto = location.protocol === "https:" ? "wss://" : "ws://";
  var ws = new WebSocket(proto + location.host + "/ws");
  ws.onmessage = function (ev) {
    var s = JSON.parse(ev.data);
    document.getElementById("total").textContent = s.total_requests;
    document.getElementById("blocked").textContent = s.blocked_requests;
    document.getElementById("latency").textContent = s.avg_latency.toFixed(1) + " ms";
    document.getElementById("bandwidth").textContent = s.total_bandwidth;
    document.getElementById("clients").textContent = s.unique_clients;
    var status = document.getElementById("status");
    status.className = s.proxy_active ? "active" : "inactive";
    status.innerHTML = s.proxy_active ? "&#9679; active" : "&#9675; inactive";
    var body = document.getElementById("domains");
    body.innerHTML = "";
    (s.top_domains_labels || []).forEach(function (label, i) {
      var tr = document.createElement("tr");
      var td1 = document.createElement("td");
      td1.textContent = label;
      var td2 = document.createElement("td");
      td2.textContent = s.top_domains_data[i];
      tr.appendChild(td1);
      tr.appendChild(td2);
      body.appendChild(tr);
    });
  };
})();
</script>
</body>
</html>
`

// loginPage is the password prompt shown when authentication is enabled.
const loginPage = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>filterproxy dashboard login</title>
<style>
body { font-family: sans-serif; display: flex; justify-content: center; margin-top: 15vh; background: #f5f5f5; }
form { background: #fff; padding: 2rem; border-radius: 6px; box-shadow: 0 1px 3px rgba(0,0,0,.15); }
input { display: block; margin: .5rem 0 1rem; padding: .4rem; width: 14rem; }
</style>
</head>
<body>
<form method="post" action="/login">
  <label for="password">Dashboard password</label>
  <input type="password" id="password" name="password" autofocus>
  <button type="submit">Sign in</button>
</form>
</body>
</html>
`
