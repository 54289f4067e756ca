package mirror

const cypherPing = `RETURN 1 AS n`

const cypherUpsertProject = `
MERGE (p:Project {path: $path})
ON CREATE SET
	p.id = $id,
	p.name = $name,
	p.created_at = datetime(),
	p.updated_at = datetime()
ON MATCH SET
	p.name = $name,
	p.updated_at = datetime()
`

const cypherUpsertFeatures = `
MERGE (p:Project {path: $path})
WITH p
UNWIND $features AS f
MERGE (n:Feature {id: f.id})
ON CREATE SET n.created_at = datetime()
SET
	n.description = f.description,
	n.category = f.category,
	n.status = f.status,
	n.agent = f.agent,
	n.steps = f.steps,
	n.updated_at = datetime()
MERGE (n)-[:BELONGS_TO]->(p)
`

const cypherPruneFeatures = `
MATCH (n:Feature)-[:BELONGS_TO]->(:Project {path: $path})
WHERE NOT n.id IN $ids
DETACH DELETE n
`

const cypherStartSession = `
MERGE (p:Project {path: $project_path})
MERGE (s:Session {id: $id})
SET
	s.agent = $agent,
	s.status = 'active',
	s.started_at = datetime(),
	s.last_activity = datetime(),
	s.event_count = coalesce(s.event_count, 0),
	s.is_subagent = false
MERGE (s)-[:IN_PROJECT]->(p)
`

const cypherEndSession = `
MATCH (s:Session {id: $id})
SET s.status = 'ended', s.ended_at = datetime()
`

const cypherRecordEvent = `
MERGE (p:Project {path: $project_path})
MERGE (s:Session {id: $session_id})
ON CREATE SET
	s.agent = $source_agent,
	s.status = 'active',
	s.started_at = datetime(),
	s.event_count = 0,
	s.is_subagent = false
MERGE (s)-[:IN_PROJECT]->(p)
MERGE (e:Event {local_id: $local_id})
ON CREATE SET
	e.id = $id,
	e.event_type = $event_type,
	e.source_agent = $source_agent,
	e.tool_name = $tool_name,
	e.payload = $payload,
	e.timestamp = $created_at
MERGE (e)-[:TRIGGERED_BY]->(s)
SET s.last_activity = datetime(), s.event_count = coalesce(s.event_count, 0) + 1
WITH e
OPTIONAL MATCH (f:Feature {id: $feature_id})
FOREACH (_ IN CASE WHEN f IS NULL THEN [] ELSE [1] END | MERGE (e)-[:LINKED_TO]->(f))
`

const cypherLinkEvent = `
MATCH (e:Event {local_id: $local_id}), (f:Feature {id: $feature_id})
OPTIONAL MATCH (e)-[old:LINKED_TO]->()
DELETE old
MERGE (e)-[:LINKED_TO]->(f)
`
