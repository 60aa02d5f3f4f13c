package balancecache

// deductScript mirrors deduction.Plan against one customer hash. Every arithmetic step,
// its order and the Epsilon threshold match the Go planner so both paths agree bit for bit.
//
// KEYS[1] customer hash, KEYS[2] sync queue list.
// ARGV: scope, feature, now ms, overage, alter, precedence, org, environment, customer,
// message id base, n, amounts...
//
// Reply: {status, code, successCount, totalDeducted, newTotal, (deducted, remaining, ok)*n}
const deductScript = `
local key = KEYS[1]
local scope = ARGV[1]
local feature = ARGV[2]
local now = tonumber(ARGV[3])
local overage = ARGV[4]
local alter = ARGV[5] == "1"
local precedence = ARGV[6]
local org, env, customer, msgBase = ARGV[7], ARGV[8], ARGV[9], ARGV[10]
local n = tonumber(ARGV[11])
local EPS = 1e-9

local function fmt(v)
  return string.format("%.17g", v)
end

if redis.call("HEXISTS", key, "_ok") == 0 then
  return {"error", "CUSTOMER_NOT_FOUND"}
end

local function due(f)
  local exp = redis.call("HGET", key, "_exp:" .. f)
  return exp and tonumber(exp) <= now
end

local priRaw = redis.call("HGET", key, "pri:" .. scope)
if not priRaw then
  return {"error", "FEATURE_NOT_FOUND"}
end
if due(feature) then
  return {"error", "RESET_DUE"}
end
local pri = cjson.decode(priRaw)
local add = cjson.decode(redis.call("HGET", key, "add:" .. scope) or "[]")

if redis.call("HGET", key, "pol:" .. feature) == "reject" then
  overage = "reject"
end

local credit = nil
local crRaw = redis.call("HGET", key, "cr:" .. feature)
if crRaw then
  local cr = cjson.decode(crRaw)
  local rate = tonumber(cr.r)
  local cpri = redis.call("HGET", key, "pri:" .. cr.f)
  if cpri and rate > 0 then
    if due(cr.f) then
      return {"error", "RESET_DUE"}
    end
    credit = {
      rate = rate,
      pri = cjson.decode(cpri),
      add = cjson.decode(redis.call("HGET", key, "add:" .. cr.f) or "[]"),
    }
  end
end

local meta = {}
local vals = {}
local function load(src)
  local m = meta[src]
  if not m then
    local r = redis.call("HMGET", key, "v:" .. src, "j:" .. src, "ov:" .. src, "min:" .. src, "x:" .. src)
    m = {ov = r[3] == "1", v0 = tonumber(r[1]) or 0, j0 = tonumber(r[2]) or 0}
    if r[4] then m.min = tonumber(r[4]) end
    if r[5] then m.x = tonumber(r[5]) end
    meta[src] = m
  end
  if vals[src] == nil then
    vals[src] = {v = m.v0, j = m.j0}
  end
end

local function live(src)
  load(src)
  local x = meta[src].x
  return not (x and x <= now)
end

local order = {}
local tally = {}

local function alterable(src, flag)
  return flag and string.sub(src, 1, 2) == "b:"
end

local function deduct(cur, adj, amt, min, alterFlag)
  local nb = cur - amt
  if min ~= nil and nb < min then
    nb = min
  end
  local d = cur - nb
  local nadj = adj
  if alterFlag and d ~= 0 then
    nadj = adj - d
  end
  return d, nb, nadj, amt - d
end

local function record(src, d, nb, nadj)
  local s = vals[src]
  local adjDelta = nadj - s.j
  vals[src] = {v = nb, j = nadj}
  local t = tally[src]
  if not t then
    order[#order + 1] = src
    tally[src] = {d = d, a = adjDelta}
  else
    tally[src] = {d = t.d + d, a = t.a + adjDelta}
  end
end

local function drain(list, remaining, alterFlag)
  for _, src in ipairs(list) do
    if remaining <= EPS then
      break
    end
    if live(src) and vals[src].v > 0 then
      local s = vals[src]
      local d, nb, nadj, rem = deduct(s.v, s.j, remaining, 0, alterable(src, alterFlag))
      record(src, d, nb, nadj)
      remaining = rem
    end
  end
  return remaining
end

local function drainOverage(list, remaining)
  for _, src in ipairs(list) do
    if remaining <= EPS then
      break
    end
    if live(src) and meta[src].ov then
      local s = vals[src]
      local min = meta[src].min
      if not (min ~= nil and s.v <= min) then
        local d, nb, nadj, rem = deduct(s.v, s.j, remaining, min, alter)
        record(src, d, nb, nadj)
        remaining = rem
      end
    end
  end
  return remaining
end

local function drainCredit(remaining)
  if credit == nil or remaining <= EPS then
    return remaining
  end
  local credits = remaining * credit.rate
  local left = drain(credit.pri, credits, false)
  left = drain(credit.add, left, false)
  if left <= EPS then
    return 0
  end
  return left / credit.rate
end

local function copy(t)
  local out = {}
  for k, v in pairs(t) do
    out[k] = v
  end
  return out
end

local function firstLive(list)
  for _, src in ipairs(list) do
    if live(src) then
      return src
    end
  end
  return nil
end

local reply = {"ok", "", 0, "0", "0"}
local success = 0
local total = 0
for i = 1, n do
  local amt = tonumber(ARGV[11 + i])
  local itemDeducted, itemRemaining, ok = 0, 0, false
  if amt == 0 then
    ok = true
  elseif amt < 0 then
    local src = firstLive(pri)
    if src == nil then
      src = firstLive(add)
    end
    if src == nil then
      itemRemaining = amt
    else
      local s = vals[src]
      local d, nb, nadj, rem = deduct(s.v, s.j, amt, nil, alterable(src, alter))
      record(src, d, nb, nadj)
      itemDeducted, itemRemaining, ok = d, rem, true
    end
  else
    local savedVals, savedTally, savedOrder = copy(vals), copy(tally), copy(order)
    local rem = drain(pri, amt, alter)
    if precedence == "credit_first" then
      rem = drainCredit(rem)
      rem = drain(add, rem, false)
    else
      rem = drain(add, rem, false)
      rem = drainCredit(rem)
    end
    rem = drainOverage(pri, rem)

    local rejected = false
    if rem > EPS then
      if overage == "reject" then
        vals, tally, order = savedVals, savedTally, savedOrder
        itemRemaining = amt
        rejected = true
      else
        itemRemaining = rem
      end
    end
    if not rejected then
      itemDeducted = amt - itemRemaining
      ok = true
    end
  end

  if ok then
    success = success + 1
    total = total + itemDeducted
    reply[#reply + 1] = fmt(itemDeducted)
    reply[#reply + 1] = fmt(itemRemaining)
    reply[#reply + 1] = "1"
  else
    reply[#reply + 1] = "0"
    reply[#reply + 1] = fmt(itemRemaining)
    reply[#reply + 1] = "0"
    reply[2] = "INSUFFICIENT_BALANCE"
  end
end

for idx, src in ipairs(order) do
  local t = tally[src]
  if t.d ~= 0 or t.a ~= 0 then
    local s = vals[src]
    redis.call("HSET", key, "v:" .. src, fmt(s.v), "j:" .. src, fmt(s.j))
    local m = cjson.decode(redis.call("HGET", key, "m:" .. src))
    local msg = {
      id = msgBase .. "-" .. idx,
      orgId = org,
      environment = env,
      customerId = customer,
      featureId = m.f,
      entitlementId = m.e,
      source = m.k,
      delta = fmt(-t.d),
      adjustmentDelta = fmt(t.a),
      sourceTimestamp = now,
    }
    if m.n and m.n ~= "" then
      msg.entityId = m.n
    end
    if m.r and m.r ~= "" then
      msg.rolloverId = m.r
    end
    if m.s then
      msg.resetSeq = m.s
    end
    redis.call("LPUSH", KEYS[2], cjson.encode(msg))
  end
end
if #order > 0 then
  redis.call("HINCRBY", key, "_seq", 1)
end

local newTotal = 0
for _, src in ipairs(pri) do
  if live(src) then
    newTotal = newTotal + vals[src].v
  end
end
for _, src in ipairs(add) do
  if live(src) then
    newTotal = newTotal + vals[src].v
  end
end

reply[3] = success
reply[4] = fmt(total)
reply[5] = fmt(newTotal)
return reply
`

// hydrateScript replaces the customer hash only when its version still equals ARGV[1].
// ARGV: expected version, new generation, ttl ms, field/value pairs...
const hydrateScript = `
local key = KEYS[1]
local cur = ""
if redis.call("HEXISTS", key, "_ok") == 1 then
  local gen = redis.call("HGET", key, "_gen") or ""
  local seq = redis.call("HGET", key, "_seq") or "0"
  cur = gen .. ":" .. seq
end
if cur ~= ARGV[1] then
  return 0
end
redis.call("DEL", key)
for i = 4, #ARGV, 2 do
  redis.call("HSET", key, ARGV[i], ARGV[i + 1])
end
redis.call("HSET", key, "_ok", "1", "_gen", ARGV[2], "_seq", "0")
local ttl = tonumber(ARGV[3])
if ttl > 0 then
  redis.call("PEXPIRE", key, ttl)
end
return 1
`

// setDetailsScript updates descriptive fields only on an existing entry.
const setDetailsScript = `
if redis.call("HEXISTS", KEYS[1], "_ok") == 0 then
  return 0
end
for i = 1, #ARGV, 2 do
  redis.call("HSET", KEYS[1], ARGV[i], ARGV[i + 1])
end
return 1
`
